package bridge

import (
	"errors"
	"net/url"
	"testing"
)

func TestParseParams(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		want    Params
		wantMsg string
	}{
		{"all set", "host=10.0.0.5&username=bob&port=2222", Params{Host: "10.0.0.5", Username: "bob", Port: 2222}, ""},
		{"default port", "host=10.0.0.5&username=bob", Params{Host: "10.0.0.5", Username: "bob", Port: 22}, ""},
		{"empty port", "host=h&username=u&port=", Params{Host: "h", Username: "u", Port: 22}, ""},
		{"trimmed", "host=%20h%20&username=u", Params{Host: "h", Username: "u", Port: 22}, ""},
		{"missing host", "username=bob", Params{}, MissingParamsMessage},
		{"missing username", "host=10.0.0.5", Params{}, MissingParamsMessage},
		{"empty host", "host=&username=bob", Params{}, MissingParamsMessage},
		{"blank username", "host=h&username=%20%20", Params{}, MissingParamsMessage},
		{"nothing", "", Params{}, MissingParamsMessage},
		{"port not a number", "host=h&username=u&port=ssh", Params{}, `Error: Invalid port "ssh"`},
		{"port zero", "host=h&username=u&port=0", Params{}, `Error: Invalid port "0"`},
		{"port too big", "host=h&username=u&port=70000", Params{}, `Error: Invalid port "70000"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			if err != nil {
				t.Fatalf("parse query: %v", err)
			}
			got, err := ParseParams(q)
			if tt.wantMsg != "" {
				var pe *ParamError
				if !errors.As(err, &pe) {
					t.Fatalf("expected *ParamError, got %v", err)
				}
				if pe.Message != tt.wantMsg {
					t.Errorf("message = %q, want %q", pe.Message, tt.wantMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseParams() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
