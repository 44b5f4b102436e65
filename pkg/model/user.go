package model

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const MaxUsernameLength = 64

var ErrUsernameEmpty = errors.New("username must not be empty")
var ErrUsernameTooLong = fmt.Errorf("username must not exceed %d bytes", MaxUsernameLength)
var ErrUsernameInvalidChars = errors.New("username must be valid UTF-8 without control characters")

// UserInfo identifies a participant. Two UserInfo values with the same Name
// refer to the same user.
type UserInfo struct {
	Name string `json:"name"`
}

// NewUserInfo returns a UserInfo for name.
func NewUserInfo(name string) UserInfo {
	return UserInfo{Name: name}
}

// String returns the user name.
func (u UserInfo) String() string {
	return u.Name
}

// ValidateUsername checks that a username is 1-64 bytes of valid UTF-8 with
// no control characters. Returns nil on success or a descriptive error.
func ValidateUsername(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	if !utf8.ValidString(name) || strings.ContainsFunc(name, isControl) {
		return ErrUsernameInvalidChars
	}
	return nil
}

func isControl(r rune) bool {
	return unicode.IsControl(r)
}
