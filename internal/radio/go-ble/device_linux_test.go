//go:build linux

package goble

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHCIIndex(t *testing.T) {
	tests := []struct {
		adapter string
		want    int
		wantErr bool
	}{
		{adapter: "", want: 0},
		{adapter: "hci0", want: 0},
		{adapter: "hci2", want: 2},
		{adapter: "3", want: 3},
		{adapter: "usb0", wantErr: true},
		{adapter: "hci-1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.adapter, func(t *testing.T) {
			got, err := hciIndex(tt.adapter)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
