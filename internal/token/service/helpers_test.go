package service

import (
	"fmt"

	"exambridge/pkg/platform/sentinel"
)

func errExhausted() error {
	return fmt.Errorf("consume: %w", sentinel.ErrExhausted)
}
