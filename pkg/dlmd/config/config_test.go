package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakedlm/dlmd/pkg/dlmd/types"
)

func TestValidateRequiresLocalNode(t *testing.T) {
	cfg := Default()
	cfg.Nodes = []*types.Node{
		{Name: "a", ID: 1},
		{Name: "b", ID: 2},
	}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsDuplicateIDs(t *testing.T) {
	cfg := Default()
	cfg.Nodes = []*types.Node{
		{Name: "a", ID: 1, Local: true},
		{Name: "b", ID: 1},
	}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsMultipleLocalNodes(t *testing.T) {
	cfg := Default()
	cfg.Nodes = []*types.Node{
		{Name: "a", ID: 1, Local: true},
		{Name: "b", ID: 2, Local: true},
	}
	assert.Error(t, cfg.Validate())
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := Default()
	cfg.Nodes = []*types.Node{
		{Name: "a", ID: 1, Local: true},
		{Name: "b", ID: 2},
	}
	require.NoError(t, cfg.Validate())
	assert.Same(t, cfg.Nodes[0], cfg.LocalNode)
}

func TestValidateRejectsEmptyNodeList(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate())
}
