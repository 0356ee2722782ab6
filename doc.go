// Package carevault stores clinical health-screening submissions with
// tenant-isolated field encryption, role-based read projection and an
// append-only audit trail.
//
// Raw questionnaire answers exist in plaintext only inside the submit path,
// where the Risk Classifier derives a categorical risk label and crisis flag
// from an injected instrument policy. Everything that reaches storage is a
// sealed envelope: a per-record DEK encrypts the answers with AES-256-GCM and
// the DEK itself is wrapped by the tenant's versioned KEK in an external KMS.
//
// # Architecture
//
//   - Codec: envelope encryption, deterministic lookup hashes for duplicate
//     detection, export pseudonyms, KEK rotation
//   - AccessGuard: structural write validation and per-role read projection
//   - Classify: policy-driven risk banding and crisis detection
//   - AuditRecorder: append-only trail that commits no later than the
//     operation it describes
//   - RecordStore: tenant-scoped SQLite persistence with optimistic locking
//   - RetentionScheduler: soft delete, grace-period erasure, backup-cycle
//     purge and statutory retention expiry
//   - Service: the caller-facing surface tying the above together
//
// # Tenancy
//
// Every operation requires a Tenant Context resolved with Resolve; queries
// without one fail closed. The retention sweep is the single cross-tenant
// path and audits each use of its privileged scope.
//
//	ctx, err := carevault.Resolve(ctx, carevault.Session{
//	    ActorID:  "clin-42",
//	    TenantID: "clinic-a",
//	})
//
// # Usage
//
//	svc, err := carevault.NewService(codec, store, audit, guard, policies, cfg, logger)
//	recordID, err := svc.Submit(ctx, caller, subjectID, "mood-screen-9", answers)
//	view, err := svc.Read(ctx, caller, recordID, []string{carevault.FieldRiskLabel})
//
// KMS backends live under providers/: HashiCorp Vault (Transit + KV v2) and
// AWS (KMS + Secrets Manager). Tests use the in-memory TestKMS.
package carevault
