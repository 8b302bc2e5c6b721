package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

// schemaFraudPatterns holds operator-managed fraud patterns. parameters is
// the kind-specific JSON document.
const schemaFraudPatterns = `
CREATE TABLE IF NOT EXISTS fraud_patterns (
    id TEXT PRIMARY KEY,
    pattern_name TEXT NOT NULL,
    pattern_type TEXT NOT NULL,
    description TEXT,
    parameters TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 1.0,
    threshold_score REAL NOT NULL DEFAULT 0.5,
    scope TEXT,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fraud_patterns_active ON fraud_patterns(is_active);
`

const schemaActorProfiles = `
CREATE TABLE IF NOT EXISTS actor_profiles (
    actor_id TEXT PRIMARY KEY,
    account_created_at TIMESTAMP,
    lifetime_count INTEGER NOT NULL DEFAULT 0,
    lifetime_volume REAL NOT NULL DEFAULT 0,
    balance REAL NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL
);
`

// schemaAssessments stores the full assessment in body and the fields
// that are queried or edited in their own columns.
const schemaAssessments = `
CREATE TABLE IF NOT EXISTS risk_assessments (
    id TEXT PRIMARY KEY,
    transfer_id TEXT NOT NULL,
    actor_id TEXT NOT NULL,
    score REAL NOT NULL,
    decision TEXT NOT NULL,
    body TEXT NOT NULL,
    evaluated_at TIMESTAMP NOT NULL,
    is_confirmed_fraud INTEGER,
    analyst_notes TEXT
);

CREATE INDEX IF NOT EXISTS idx_risk_assessments_actor ON risk_assessments(actor_id, evaluated_at);
CREATE INDEX IF NOT EXISTS idx_risk_assessments_transfer ON risk_assessments(transfer_id);
CREATE INDEX IF NOT EXISTS idx_risk_assessments_decision ON risk_assessments(decision);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaFraudPatterns,
		schemaActorProfiles,
		schemaAssessments,
	}
}
