package pkg

import (
	"errors"
	"testing"
)

func TestTransferResult_String(t *testing.T) {
	tests := []struct {
		result TransferResult
		want   string
	}{
		{ResultOK, "ok"},
		{ResultStall, "stall"},
		{ResultTimeout, "timeout"},
		{ResultSystemError, "system"},
		{ResultCRC | ResultBabble, "babble|crc"},
		{ResultNotExecute | ResultBitStuff, "not-execute|bitstuff"},
		{TransferResult(1 << 20), "unknown"},
		{ResultStall | TransferResult(1<<20), "stall|unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.result.String(); got != tt.want {
				t.Errorf("TransferResult(%#x).String() = %q, want %q", uint32(tt.result), got, tt.want)
			}
		})
	}
}

func TestTransferResult_Err(t *testing.T) {
	tests := []struct {
		result  TransferResult
		wantErr error
	}{
		{ResultOK, nil},
		{ResultTimeout, ErrTimeout},
		{ResultTimeout | ResultNAK, ErrTimeout},
		{ResultStall, ErrDeviceError},
		{ResultSystemError, ErrDeviceError},
		{ResultBuffer | ResultCRC, ErrDeviceError},
	}

	for _, tt := range tests {
		t.Run(tt.result.String(), func(t *testing.T) {
			err := tt.result.Err()
			if tt.wantErr == nil && err != nil {
				t.Errorf("TransferResult.Err() = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("TransferResult.Err() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
