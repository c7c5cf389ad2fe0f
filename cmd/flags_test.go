package cmd

import (
	"testing"

	"github.com/kozaktomas/face-finder/internal/source"
	"github.com/spf13/cobra"
)

func TestSourceSpecFromFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    source.Spec
		wantOK  bool
		wantErr bool
	}{
		{"none", nil, source.Spec{}, false, false},
		{"dir", []string{"--dir", "/photos"}, source.Spec{Type: "dir", Path: "/photos"}, true, false},
		{"http with env token", []string{"--url", "https://f.example.com", "--folder", "x"},
			source.Spec{Type: "http", URL: "https://f.example.com", Folder: "x", Token: "env-token"}, true, false},
		{"http with flag token", []string{"--url", "https://f.example.com", "--token", "flag"},
			source.Spec{Type: "http", URL: "https://f.example.com", Token: "flag"}, true, false},
		{"both", []string{"--dir", "/p", "--url", "https://f.example.com"}, source.Spec{}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{Use: "test"}
			addSourceFlags(cmd)
			if err := cmd.ParseFlags(tt.args); err != nil {
				t.Fatal(err)
			}
			got, ok, err := sourceSpecFromFlags(cmd, "env-token")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("got %+v (ok=%v), want %+v (ok=%v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 << 20, "5.0 MiB"},
		{3 << 30, "3.0 GiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
