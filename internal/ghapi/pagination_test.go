package ghapi

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLastPage(t *testing.T) {
	tests := []struct {
		name    string
		link    string
		want    int
		wantErr bool
	}{
		{name: "no header", link: "", want: 1},
		{
			name: "next and last",
			link: `<https://api.github.com/repos/o/r/contents/res?ref=dev&per_page=100&page=2>; rel="next", ` +
				`<https://api.github.com/repos/o/r/contents/res?ref=dev&per_page=100&page=7>; rel="last"`,
			want: 7,
		},
		{
			name: "page is not the last param",
			link: `<https://api.github.com/x?page=3&per_page=100>; rel="last"`,
			want: 3,
		},
		{
			name: "only prev and first",
			link: `<https://api.github.com/x?page=1>; rel="prev", <https://api.github.com/x?page=1>; rel="first"`,
			want: 1,
		},
		{name: "garbage target", link: `https://api.github.com/x?page=3; rel="last"`, wantErr: true},
		{name: "no page number", link: `<https://api.github.com/x?per_page=100>; rel="last"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := lastPage(tt.link)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRetryAfterHint(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	h := http.Header{}
	assert.Zero(t, retryAfterHint(h, now))

	h.Set("X-RateLimit-Reset", "1700000030")
	assert.Equal(t, 30*time.Second, retryAfterHint(h, now))

	h.Set("Retry-After", "5")
	assert.Equal(t, 5*time.Second, retryAfterHint(h, now), "Retry-After wins over reset")

	h = http.Header{}
	h.Set("X-RateLimit-Reset", "1699999990")
	assert.Zero(t, retryAfterHint(h, now), "reset in the past")
}
