package s3

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
)

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"no such key", &types.NoSuchKey{}, true},
		{"wrapped no such key", fmt.Errorf("get: %w", &types.NoSuchKey{}), true},
		{"head not found", &smithy.GenericAPIError{Code: "NotFound"}, true},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isNotFound(tt.err); got != tt.want {
				t.Errorf("isNotFound = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKeyPrefix(t *testing.T) {
	o := &Objects{bucket: "b", prefix: "archive"}
	if got := o.key("1/2/3_1.dcm"); got != "archive/1/2/3_1.dcm" {
		t.Errorf("key = %q", got)
	}
	o.prefix = ""
	if got := o.key("1/2/3_1.dcm"); got != "1/2/3_1.dcm" {
		t.Errorf("key = %q", got)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	if !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}
