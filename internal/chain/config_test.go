package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		ChainID: 1,
		Name:    "ethereum",
		Type:    TypeEVM,
		Endpoints: []EndpointConfig{
			{URL: "https://rpc-a.example.org", Weight: 10},
			{URL: "https://rpc-b.example.org", Weight: 5},
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestConfig_ValidateRejectsZeroChainID(t *testing.T) {
	cfg := validConfig()
	cfg.ChainID = 0
	assert.ErrorContains(t, cfg.Validate(), "chain_id is required")
}

func TestConfig_ValidateRejectsUnknownType(t *testing.T) {
	cfg := validConfig()
	cfg.Type = ChainType("cosmos")
	assert.ErrorContains(t, cfg.Validate(), "unknown chain type")
}

func TestConfig_ValidateRejectsEmptyEndpoints(t *testing.T) {
	cfg := validConfig()
	cfg.Endpoints = nil
	assert.ErrorContains(t, cfg.Validate(), "at least one rpc endpoint")
}

func TestConfig_ValidateRejectsEmptyEndpointURL(t *testing.T) {
	cfg := validConfig()
	cfg.Endpoints = append(cfg.Endpoints, EndpointConfig{Weight: 1})
	assert.ErrorContains(t, cfg.Validate(), "empty url")
}

func TestChainType_Valid(t *testing.T) {
	for _, ct := range []ChainType{TypeEVM, TypeSolana, TypeNEAR, TypeTON, TypeSui} {
		assert.True(t, ct.Valid(), string(ct))
	}
	assert.False(t, ChainType("").Valid())
	assert.False(t, ChainType("bitcoin").Valid())
}
