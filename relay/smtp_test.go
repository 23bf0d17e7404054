package relay

import (
	"errors"
	"fmt"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
)

func TestIsPermanentError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain network error", errors.New("connection refused"), false},
		{"permanent delivery error", &DeliveryError{Err: errors.New("no such user"), Permanent: true}, true},
		{"temporary delivery error", &DeliveryError{Err: errors.New("try later"), Permanent: false}, false},
		{"smtp 550", &smtp.SMTPError{Code: 550, Message: "no such user"}, true},
		{"smtp 451", &smtp.SMTPError{Code: 451, Message: "try again"}, false},
		{"wrapped smtp 550", fmt.Errorf("send: %w", &smtp.SMTPError{Code: 550}), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsPermanentError(tc.err))
		})
	}
}

func TestDeliveryErrorMessage(t *testing.T) {
	perm := &DeliveryError{Err: errors.New("gone"), Permanent: true}
	assert.Contains(t, perm.Error(), "permanent failure")
	temp := &DeliveryError{Err: errors.New("busy")}
	assert.Contains(t, temp.Error(), "temporary failure")
	assert.Equal(t, "gone", errors.Unwrap(perm).Error())
}
