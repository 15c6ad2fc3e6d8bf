package misc

const (
	// EnvelopeVersion is the wire version emitted for encrypted messages
	EnvelopeVersion = 2

	// KeyRecordVersion is the format version of encrypted private key records
	KeyRecordVersion = 1

	// PBKDF2 parameters for wrapping identity private keys
	KDFIterations = 600000
	KDFKeyLen     = 32
	SaltSize      = 16
	NonceSize     = 12

	// RSAKeyBits is the identity key size
	RSAKeyBits = 2048

	// PSSSaltLength is the explicit salt length used for every RSA-PSS signature
	PSSSaltLength = 32

	// Backup container KDF parameters
	ArgonTime    uint32 = 3
	ArgonMemory  uint32 = 64 * 1024
	ArgonThreads uint8  = 2
	ArgonKeyLen  uint32 = 32

	FilePermissions = 0600 // user read + write
)
