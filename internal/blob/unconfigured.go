package blob

import (
	"context"
	"fmt"
)

// Unconfigured fails every call with ErrNotConfigured. It stands in for the
// real backend when connection settings are absent so that the process can
// start and report the problem per request.
type Unconfigured struct {
	Reason string
}

func (u Unconfigured) err() error {
	if u.Reason == "" {
		return ErrNotConfigured
	}
	return fmt.Errorf("%w: %s", ErrNotConfigured, u.Reason)
}

func (u Unconfigured) Get(context.Context, string, string) (Object, error) {
	return Object{}, u.err()
}

func (u Unconfigured) Put(context.Context, string, string, []byte, PutOptions) (string, error) {
	return "", u.err()
}

func (u Unconfigured) Delete(context.Context, string, string) error {
	return u.err()
}

func (u Unconfigured) List(context.Context, string) ([]ObjectInfo, error) {
	return nil, u.err()
}
