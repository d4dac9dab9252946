package runstore

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    change TEXT NOT NULL,
    dry_run BOOLEAN DEFAULT FALSE,
    total INTEGER DEFAULT 0,
    succeeded INTEGER DEFAULT 0,
    failed INTEGER DEFAULT 0,
    skipped INTEGER DEFAULT 0,
    started_at TIMESTAMP,
    finished_at TIMESTAMP,
    duration_ms INTEGER DEFAULT 0,
    saved_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS repo_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    repo TEXT NOT NULL,
    outcome TEXT NOT NULL,
    reason TEXT,
    pr_url TEXT,
    result_json TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_repo_results_run_id ON repo_results(run_id);
CREATE INDEX IF NOT EXISTS idx_repo_results_repo ON repo_results(repo);

CREATE TABLE IF NOT EXISTS events (
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    seq INTEGER NOT NULL,
    timestamp TIMESTAMP,
    repo TEXT,
    kind TEXT NOT NULL,
    stage TEXT,
    payload TEXT,
    PRIMARY KEY (run_id, seq)
);
`
