package respond

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/tozahudud/patrol/core/dispatch"
	"github.com/tozahudud/patrol/core/state"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("get: %w", state.ErrNotFound), http.StatusNotFound},
		{dispatch.ErrUnknownBin, http.StatusNotFound},
		{fmt.Errorf("%w: v9", dispatch.ErrUnknownVehicle), http.StatusNotFound},
		{dispatch.ErrNotEnRoute, http.StatusConflict},
		{dispatch.ErrBadStatus, http.StatusBadRequest},
		{state.ErrClosed, http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := StatusFor(c.err); got != c.want {
			t.Errorf("%v: got %d want %d", c.err, got, c.want)
		}
	}
}
