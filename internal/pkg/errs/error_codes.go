/*
Package errs provides custom error types and application-level error code constants.

These error codes identify specific business or system errors, both inside the
server and on the wire: REST responses carry them in the JSON body and realtime
error events carry them in their payload.
*/
package errs

// 1xxx: General Request Handling Errors
const (
	// ErrInvalidParams indicates that request parameter validation failed.
	ErrInvalidParams = 1001

	// ErrUnsupportedMediaType indicates that the request header Content-Type is not supported.
	ErrUnsupportedMediaType = 1002

	// ErrInvalidJSONFormat indicates that the request body JSON format is incorrect (e.g., syntax error).
	ErrInvalidJSONFormat = 1003

	// ErrExtraContentInBody indicates that the request body contained extra content after valid JSON data.
	ErrExtraContentInBody = 1004

	// ErrRequestEntityTooLarge indicates that the request body size exceeded the server limit.
	ErrRequestEntityTooLarge = 1006

	// ErrRateLimitExceeded indicates that the request or event rate has exceeded the set limit.
	ErrRateLimitExceeded = 1007
)

// 2xxx: Room and Message Errors
const (
	// ErrRoomNotFound indicates the room does not exist or the caller is not a participant.
	// Both cases share one code so membership cannot be probed.
	ErrRoomNotFound = 2103

	// ErrMessageContentEmpty indicates the message content was blank after trimming.
	ErrMessageContentEmpty = 2200

	// ErrMessageContentTooLong indicates that the message content exceeded the maximum length limit.
	ErrMessageContentTooLong = 2201
)

// 3xxx: Identity and Session Errors
const (
	// ErrSessionKicked indicates that the connection was replaced by a newer one for the same identity.
	ErrSessionKicked = 3004

	// ErrUnauthorized indicates a missing, malformed, or expired credential.
	ErrUnauthorized = 3010

	// ErrUserNotFound indicates the identity in a valid token is unknown to the user store.
	ErrUserNotFound = 3011
)

// 4xxx: Call Errors
const (
	// ErrCallTargetInvalid indicates a call log or call request named no usable peer.
	ErrCallTargetInvalid = 4001

	// ErrCallTypeInvalid indicates a call type other than "video" or "audio".
	ErrCallTypeInvalid = 4002

	// ErrCallRoomNotFound indicates no direct room exists between the caller and the target.
	ErrCallRoomNotFound = 4003
)

// 5xxx: Internal System Errors
const (
	// ErrUnknown represents an unclassified, general server internal error.
	ErrUnknown = 5000

	// ErrStoreUnavailable indicates the persistence layer failed to serve the request.
	ErrStoreUnavailable = 5001
)
