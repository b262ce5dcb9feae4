package sessionservice

import (
	"fmt"
	"net/http"

	"github.com/avinashbhat/session-desktop/internal/dispatch"
	"github.com/avinashbhat/session-desktop/internal/pubkey"
)

// DeliveryError is returned by Service.Deliver for any non-2xx answer.
// It matches dispatch.ErrDeliveryFailed.
type DeliveryError struct {
	Device pubkey.DeviceID
	Status int
	Body   string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("sessionservice: deliver to %s: status %d: %s", e.Device.Short(), e.Status, e.Body)
}

func (e *DeliveryError) Is(target error) bool { return target == dispatch.ErrDeliveryFailed }

// Stale reports whether the server rejected our session with the device.
// The session has to be established again before a retry can succeed.
func (e *DeliveryError) Stale() bool { return e.Status == http.StatusGone }
