package pgstore

const notifyChannel = "project_changes"

const schema = `
CREATE TABLE IF NOT EXISTS projects (
    id                 TEXT PRIMARY KEY,
    owner_id           TEXT NOT NULL,
    title              TEXT NOT NULL DEFAULT '',
    script_content     TEXT NOT NULL DEFAULT '',
    scene_description  TEXT NOT NULL DEFAULT '',
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS collaborators (
    resource_id  TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    user_id      TEXT NOT NULL,
    role         TEXT NOT NULL CHECK (role IN ('editor', 'viewer')),
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (resource_id, user_id)
);

CREATE TABLE IF NOT EXISTS join_requests (
    id            TEXT PRIMARY KEY,
    resource_id   TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    requester_id  TEXT NOT NULL,
    owner_id      TEXT NOT NULL,
    status        TEXT NOT NULL CHECK (status IN ('requested', 'accepted', 'declined')),
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    resolved_at   TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_join_requests_pending
    ON join_requests (resource_id, requester_id) WHERE status = 'requested';

CREATE TABLE IF NOT EXISTS chat_messages (
    id           TEXT PRIMARY KEY,
    resource_id  TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    user_id      TEXT NOT NULL,
    body         TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_resource ON chat_messages (resource_id, created_at);

CREATE TABLE IF NOT EXISTS profiles (
    user_id       TEXT PRIMARY KEY,
    display_name  TEXT NOT NULL
);
`
