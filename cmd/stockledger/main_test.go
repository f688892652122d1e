package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	_ "github.com/odyssey-erp/stockledger/internal/testing/guard"
)

func TestMainSkipsInTestMode(t *testing.T) {
	require.NotPanics(t, main)
}
