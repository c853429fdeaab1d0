/*
Package user contains the representation of an authenticated participant.

The User struct is shared by the realtime gateway, the room store, and the
REST API, and is serialized as-is into room participant lists.
*/
package user

// User represents the basic identity information of a participant.
// Fields use JSON tags for serialization in realtime events.
type User struct {

	// ID is the stable unique identifier for the user.
	ID string `json:"id"`

	// Name is the display name of the user.
	Name string `json:"name"`
}
