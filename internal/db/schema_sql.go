package db

const schemaSQL = `
-- One agent engagement. channel_id/thread_id bind the session to the
-- operator's chat channel; thread_id never changes once set.
CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,                  -- uuid
  owner_id TEXT NOT NULL,               -- operator who may act on it
  protocol_mode TEXT NOT NULL,          -- 'passive' or 'active', immutable
  status TEXT NOT NULL,                 -- created/active/paused/terminated/interrupted
  connectivity_status TEXT NOT NULL DEFAULT 'online',  -- online/offline/stalled
  channel_id TEXT,                      -- routing key once non-null
  thread_id TEXT,                       -- immutable once set
  restart_of TEXT,                      -- predecessor session after a stall restart
  initial_prompt TEXT,                  -- carried to a restart
  last_tool TEXT,                       -- most recent tool/method seen
  last_activity_at INTEGER NOT NULL,    -- unix ms; drives stall detection
  nudge_count INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_channel ON sessions(channel_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

-- Audit trail of approval requests and their outcomes.
CREATE TABLE IF NOT EXISTS approvals (
  request_id TEXT NOT NULL,
  session_id TEXT NOT NULL,
  title TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  diff TEXT,
  file_path TEXT NOT NULL,
  risk_level TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending', -- pending/approved/rejected/expired/timeout
  reason TEXT,
  created_at INTEGER NOT NULL,
  resolved_at INTEGER,
  PRIMARY KEY (session_id, request_id),
  FOREIGN KEY (session_id) REFERENCES sessions(id)
);

-- Steering messages queued for a passive agent, delivered when it next
-- polls (heartbeat or wait_for_instruction).
CREATE TABLE IF NOT EXISTS inbox (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL,
  body TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  delivered_at INTEGER,
  FOREIGN KEY (session_id) REFERENCES sessions(id)
);

CREATE INDEX IF NOT EXISTS idx_inbox_session ON inbox(session_id, delivered_at);
`
