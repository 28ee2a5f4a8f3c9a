package image

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	cases := []struct {
		in   string
		want Ref
	}{
		{"acme/widget", Ref{Registry: "ghcr.io", Path: "acme/widget", Tag: "latest"}},
		{"acme/widget:v2", Ref{Registry: "ghcr.io", Path: "acme/widget", Tag: "v2"}},
		{"registry.example.com/acme/widget:v2", Ref{Registry: "registry.example.com", Path: "acme/widget", Tag: "v2"}},
		{"localhost:5000/acme/widget", Ref{Registry: "localhost:5000", Path: "acme/widget", Tag: "latest"}},
	}
	for _, tc := range cases {
		got := ParseRef(tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}
}
