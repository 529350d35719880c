package store

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/forstalabs/librelay/internal/errs"
)

// Address identifies one device of one user. Its canonical string form is
// "<uuid-lowercase>.<device>", which is also how it appears in storage keys
// and HTTP Basic usernames.
type Address struct {
	UserID   uuid.UUID
	DeviceID uint32
}

// NewAddress builds an address.
func NewAddress(userID uuid.UUID, deviceID uint32) Address {
	return Address{UserID: userID, DeviceID: deviceID}
}

// String returns the canonical "<uuid>.<device>" form.
func (a Address) String() string {
	return fmt.Sprintf("%s.%d", strings.ToLower(a.UserID.String()), a.DeviceID)
}

// SameUser reports whether both addresses belong to one account.
func (a Address) SameUser(other Address) bool {
	return a.UserID == other.UserID
}

// ParseAddress parses the canonical string form.
func ParseAddress(s string) (Address, error) {
	i := strings.LastIndex(s, ".")
	if i < 0 {
		return Address{}, errs.Newf(errs.InvalidType, "bad address %q", s)
	}
	userID, err := uuid.Parse(s[:i])
	if err != nil {
		return Address{}, errs.Wrap(errs.InvalidType, fmt.Sprintf("bad address %q", s), err)
	}
	deviceID, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return Address{}, errs.Wrap(errs.InvalidType, fmt.Sprintf("bad address %q", s), err)
	}
	return Address{UserID: userID, DeviceID: uint32(deviceID)}, nil
}
