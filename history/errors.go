package history

import (
	"errors"

	"github.com/hazyhaar/viewtrail/history/internal/analysis"
	"github.com/hazyhaar/viewtrail/history/internal/remote"
	"github.com/hazyhaar/viewtrail/history/internal/settings"
)

var (
	// ErrInvalidUserID is returned for user ids that are not decimal digits.
	ErrInvalidUserID = errors.New("history: invalid user id")

	// ErrInvalidCredential is returned for an empty cookie or one issued to
	// another user.
	ErrInvalidCredential = errors.New("history: invalid session credential")

	// ErrScanDraining is returned by StartScan while a stopped scan is still
	// finishing its current page.
	ErrScanDraining = errors.New("history: previous scan still stopping")

	// ErrInvalidRecord is returned by UploadRecord for a record without a list.
	ErrInvalidRecord = errors.New("history: record must contain a list")

	// ErrInvalidSettings is returned by SaveSettings for an unusable API URL.
	ErrInvalidSettings = errors.New("history: invalid analysis settings")

	// ErrRecordNotFound is returned by RecordPath when the user has no record.
	ErrRecordNotFound = errors.New("history: record not found")
)

// Errors from internal packages, re-exported for callers.
var (
	ErrAdminDisabled   = settings.ErrAdminDisabled
	ErrForbidden       = settings.ErrForbidden
	ErrNotConfigured   = analysis.ErrNotConfigured
	ErrEmptyCompletion = analysis.ErrEmptyCompletion
	ErrUnauthenticated = remote.ErrUnauthenticated
)

// IsValidation reports whether err is caused by bad caller input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidUserID) ||
		errors.Is(err, ErrInvalidCredential) ||
		errors.Is(err, ErrInvalidRecord) ||
		errors.Is(err, ErrInvalidSettings)
}
