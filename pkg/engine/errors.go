package engine

import "errors"

// Code is a machine-readable failure reason.
type Code string

const (
	CodeInvalidRequest          Code = "INVALID_REQUEST"
	CodeConfigNotFound          Code = "CONFIG_NOT_FOUND"
	CodeAnnouncementNotApproved Code = "ANNOUNCEMENT_NOT_APPROVED"
	CodeValidityDurationTooLong Code = "VALIDITY_DURATION_TOO_LONG"
	CodeAlreadyAnnounced        Code = "ALREADY_ANNOUNCED"
	CodeNotAnnounced            Code = "NOT_ANNOUNCED"
	CodeAlreadyExecuted         Code = "ALREADY_EXECUTED"
	CodeNotYetExecutable        Code = "NOT_YET_EXECUTABLE"
	CodeExpired                 Code = "EXPIRED"
	CodeAnnouncerRevoked        Code = "ANNOUNCER_REVOKED"
	CodeCannotRevokeExecuted    Code = "CANNOT_REVOKE_EXECUTED"
	CodeEnforcedGasLimitFailure Code = "ENFORCED_GAS_LIMIT_FAILURE"
	CodeApprovalInFlight        Code = "APPROVAL_IN_FLIGHT"
)

// Error is a domain failure. Sentinels are compared by identity, so wrap
// them with %w and match with errors.Is.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// ErrorCode returns the machine-readable code.
func (e *Error) ErrorCode() string {
	return string(e.Code)
}

var (
	ErrInvalidRequest          = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
	ErrConfigNotFound          = &Error{Code: CodeConfigNotFound, Message: "no config for executor and announcer"}
	ErrAnnouncementNotApproved = &Error{Code: CodeAnnouncementNotApproved, Message: "executor did not approve the announcement"}
	ErrValidityDurationTooLong = &Error{Code: CodeValidityDurationTooLong, Message: "requested validity exceeds the configured validity"}
	ErrAlreadyAnnounced        = &Error{Code: CodeAlreadyAnnounced, Message: "action already announced"}
	ErrNotAnnounced            = &Error{Code: CodeNotAnnounced, Message: "action not announced"}
	ErrAlreadyExecuted         = &Error{Code: CodeAlreadyExecuted, Message: "action already executed"}
	ErrNotYetExecutable        = &Error{Code: CodeNotYetExecutable, Message: "action not yet executable"}
	ErrExpired                 = &Error{Code: CodeExpired, Message: "announcement expired"}
	ErrAnnouncerRevoked        = &Error{Code: CodeAnnouncerRevoked, Message: "announcer no longer configured"}
	ErrCannotRevokeExecuted    = &Error{Code: CodeCannotRevokeExecuted, Message: "cannot revoke an executed action"}
	ErrEnforcedGasLimitFailure = &Error{Code: CodeEnforcedGasLimitFailure, Message: "dispatch failed under an enforced gas limit"}
	ErrApprovalInFlight        = &Error{Code: CodeApprovalInFlight, Message: "announcement is still awaiting the executor's reply"}
)

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
