package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthRequired is returned when an operation runs without a signed-in user
	ErrAuthRequired = errors.New("authentication required")
	// ErrNotFound is returned when a request or conversation is not in local state
	ErrNotFound = errors.New("not found")
	// ErrStoreFailure wraps any rejected store call
	ErrStoreFailure = errors.New("store failure")
	// ErrValidation is returned for malformed input
	ErrValidation = errors.New("validation failed")
	// ErrRequestClosed is returned when a request is no longer pending
	ErrRequestClosed = errors.New("chat request is no longer pending")
)

// AcceptStage identifies the step of AcceptRequest that failed
type AcceptStage string

const (
	StageCreateConversation AcceptStage = "create_conversation"
	StageMarkAccepted       AcceptStage = "mark_accepted"
	StageAddRecipient       AcceptStage = "add_recipient"
	StageAddSender          AcceptStage = "add_sender"
)

var stageMessages = map[AcceptStage]string{
	StageCreateConversation: "failed to create conversation",
	StageMarkAccepted:       "failed to update chat request status",
	StageAddRecipient:       "failed to add yourself to conversation",
	StageAddSender:          "failed to add sender to conversation",
}

// StageError reports a partially applied AcceptRequest. Steps before Stage
// stay committed in the store.
type StageError struct {
	Stage          AcceptStage
	ConversationID string
	Err            error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", stageMessages[e.Stage], e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{ErrStoreFailure, e.Err}
}

func storeFailure(action string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", ErrStoreFailure, action, err)
}

func validation(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}
