package session

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"bearer   abc  ", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
	}
	for _, tt := range tests {
		if got := BearerToken(tt.in); got != tt.want {
			t.Fatalf("BearerToken(%q): got=%q want=%q", tt.in, got, tt.want)
		}
	}
}

func TestTokenFromRequest_Precedence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		header     string
		query      string
		cookie     string
		allowQuery bool
		want       string
		wantErr    error
	}{
		{name: "header wins", header: "Bearer h", query: "q", cookie: "c", allowQuery: true, want: "h"},
		{name: "query when allowed", query: "q", cookie: "c", allowQuery: true, want: "q"},
		{name: "query ignored when not allowed", query: "q", cookie: "c", allowQuery: false, want: "c"},
		{name: "cookie fallback", cookie: "c", want: "c"},
		{name: "missing", wantErr: ErrMissingToken},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			target := "/ws"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			r := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if tt.cookie != "" {
				r.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: tt.cookie})
			}

			got, err := TokenFromRequest(r, tt.allowQuery)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err: got=%v want=%v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got=%q want=%q", got, tt.want)
			}
		})
	}
}
