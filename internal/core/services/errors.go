package services

import "errors"

var (
	// ErrNotConfigured indicates the engine has no storage backend. This
	// is a setup error, reported synchronously at configure time.
	ErrNotConfigured = errors.New("registry not configured")
	// ErrRegistryNotLoaded indicates the registry is still loading.
	// Transient; callers may retry.
	ErrRegistryNotLoaded = errors.New("registry not loaded")
	// ErrNotAuthorized indicates the acting user does not own the entry
	// and is not an admin.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrBadVersion indicates the uploaded version does not exceed the
	// entry's current highest version.
	ErrBadVersion = errors.New("bad version")
	// ErrUnknownExtension indicates no entry exists under the given name.
	ErrUnknownExtension = errors.New("unknown extension")
	// ErrUnreadableRegistry indicates persisted registry bytes could not
	// be decoded.
	ErrUnreadableRegistry = errors.New("unreadable registry")
)

// Validation sub-error codes. Each is rendered individually by the HTTP
// layer together with its substitution arguments.
const (
	CodeDuplicateTitle        = "DUPLICATE_TITLE"
	CodeInvalidZipFile        = "INVALID_ZIP_FILE"
	CodeMissingPackageJSON    = "MISSING_PACKAGE_JSON"
	CodeInvalidPackageJSON    = "INVALID_PACKAGE_JSON"
	CodeMissingPackageName    = "MISSING_PACKAGE_NAME"
	CodeBadPackageName        = "BAD_PACKAGE_NAME"
	CodeMissingPackageVersion = "MISSING_PACKAGE_VERSION"
	CodeInvalidVersionNumber  = "INVALID_VERSION_NUMBER"
)

// ValidationError carries the validator's structured error list verbatim.
type ValidationError struct {
	Errors [][]string
}

func (e *ValidationError) Error() string {
	return "validation failed"
}
