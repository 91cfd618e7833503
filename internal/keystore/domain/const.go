package domain

// Algorithm represents the authenticated cipher used to wrap data keys and protect fields.
//
// Both algorithms are AEADs with 256-bit keys, 12-byte nonces and 16-byte tags, so an
// envelope produced by either one has the same shape.
type Algorithm string

const (
	// AESGCM is AES-256 in Galois/Counter Mode. Default on hardware with AES-NI.
	AESGCM Algorithm = "aes-gcm"

	// ChaCha20 is ChaCha20-Poly1305. Preferred where AES is not hardware accelerated.
	ChaCha20 Algorithm = "chacha20-poly1305"
)

// KeySize is the size in bytes of master and data keys.
const KeySize = 32

// Protection contexts provisioned on first bootstrap. Each context owns an independent
// data key so that compromise or rotation of one category does not affect the others.
const (
	ContextStudentPersonalData = "student-personal-data"
	ContextUserCredentials     = "user-credentials"
	ContextAuditData           = "audit-data"
	ContextSystemConfiguration = "system-configuration"
	ContextEquipmentData       = "equipment-data"
)

// KnownContexts returns the contexts every key store provisions at bootstrap.
func KnownContexts() []string {
	return []string{
		ContextStudentPersonalData,
		ContextUserCredentials,
		ContextAuditData,
		ContextSystemConfiguration,
		ContextEquipmentData,
	}
}

// File layout inside the key directory.
const (
	MasterKeyFile  = "master.key"
	MasterSaltFile = "master.salt"
	BundleFile     = "data-keys.json"
	BackupDir      = "backups"
)

// BundleFormatVersion is the version written to new key bundles.
const BundleFormatVersion = 1
