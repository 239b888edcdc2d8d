package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/blockadesystems/acmekeeper/internal/config"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIKeyAuthMiddleware(t *testing.T) {
	keys := map[string]config.APIKey{
		"admin-key":  {Roles: []string{"reader", "admin"}},
		"reader-key": {Roles: []string{"reader"}},
	}
	mw := APIKeyAuthMiddleware(keys, "admin")
	ok := func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }

	cases := []struct {
		name string
		key  string
		code int
	}{
		{"admin", "admin-key", http.StatusNoContent},
		{"missing key", "", http.StatusUnauthorized},
		{"unknown key", "nope", http.StatusUnauthorized},
		{"missing role", "reader-key", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/housekeeping/dbversion", nil)
			if tc.key != "" {
				req.Header.Set(HeaderAPIKey, tc.key)
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := mw(ok)(c)
			if tc.code == http.StatusNoContent {
				require.NoError(t, err)
				assert.Equal(t, tc.code, rec.Code)
				return
			}
			var he *echo.HTTPError
			require.ErrorAs(t, err, &he)
			assert.Equal(t, tc.code, he.Code)
		})
	}
}
