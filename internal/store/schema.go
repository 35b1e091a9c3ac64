package store

// Schema contains SQL schema definitions for the sync database
const Schema = `
-- Accounts table
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    provider TEXT NOT NULL DEFAULT 'imap',
    auth_ok INTEGER NOT NULL DEFAULT 1,
    folder_token TEXT NOT NULL DEFAULT '',
    last_sync_at INTEGER,
    stale_warned INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Folders table. The id is locally generated and survives remote renames;
-- (account_id, remote_id) uniqueness is a hard constraint because duplicate
-- folders are a correctness bug.
CREATE TABLE IF NOT EXISTS folders (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    remote_id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL DEFAULT 'other',
    message_token TEXT NOT NULL DEFAULT '',
    provisional INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
    UNIQUE(account_id, remote_id)
);

-- Messages table. Folder membership lives only in message_folders.
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    remote_id TEXT NOT NULL,
    subject TEXT NOT NULL DEFAULT '',
    sender TEXT NOT NULL DEFAULT '',
    date INTEGER NOT NULL,
    is_read INTEGER NOT NULL DEFAULT 0,
    is_starred INTEGER NOT NULL DEFAULT 0,
    locally_modified INTEGER NOT NULL DEFAULT 0,
    is_draft INTEGER NOT NULL DEFAULT 0,
    last_sync_error TEXT,
    FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
    UNIQUE(account_id, remote_id)
);

-- Message/folder association (many-to-many label set)
CREATE TABLE IF NOT EXISTS message_folders (
    message_id TEXT NOT NULL,
    folder_id TEXT NOT NULL,
    PRIMARY KEY (message_id, folder_id),
    FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE,
    FOREIGN KEY (folder_id) REFERENCES folders(id) ON DELETE CASCADE
);

-- Cached bodies and attachments
CREATE TABLE IF NOT EXISTS message_blobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    attachment_id TEXT NOT NULL DEFAULT '',
    size_bytes INTEGER NOT NULL,
    content BLOB NOT NULL,
    fetched_at INTEGER NOT NULL,
    accessed_at INTEGER NOT NULL,
    FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE,
    UNIQUE(message_id, kind, attachment_id)
);

-- Durable queue of user mutations awaiting upload
CREATE TABLE IF NOT EXISTS pending_actions (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    target_id TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '',
    attempt_count INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'pending',
    last_error TEXT,
    next_eligible_at INTEGER NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
);

-- Create indexes for faster queries
CREATE INDEX IF NOT EXISTS idx_folders_account_id ON folders(account_id);
CREATE INDEX IF NOT EXISTS idx_messages_account_id ON messages(account_id);
CREATE INDEX IF NOT EXISTS idx_messages_date ON messages(date);
CREATE INDEX IF NOT EXISTS idx_message_folders_folder_id ON message_folders(folder_id);
CREATE INDEX IF NOT EXISTS idx_message_blobs_message_id ON message_blobs(message_id);
CREATE INDEX IF NOT EXISTS idx_message_blobs_accessed_at ON message_blobs(accessed_at);
CREATE INDEX IF NOT EXISTS idx_pending_actions_account_id ON pending_actions(account_id);
CREATE INDEX IF NOT EXISTS idx_pending_actions_status ON pending_actions(status, next_eligible_at);
`
