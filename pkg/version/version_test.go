package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetBuildInfoNeverReturnsNil(t *testing.T) {
	info := GetBuildInfo()
	assert.NotNil(t, info)
	assert.NotEmpty(t, info.GoVersion)
}

func TestStringFallsBackToDevWhenUnversioned(t *testing.T) {
	b := &BuildInfo{MainModule: "github.com/nexi-lab/nexus", MainVersion: "(devel)"}
	assert.Equal(t, "github.com/nexi-lab/nexus dev", b.String())
}

func TestStringUsesResolvedVersion(t *testing.T) {
	b := &BuildInfo{MainModule: "github.com/nexi-lab/nexus", MainVersion: "v1.2.3"}
	assert.Equal(t, "github.com/nexi-lab/nexus v1.2.3", b.String())
}

func TestGetDependencyUnknownModuleReturnsNil(t *testing.T) {
	assert.Nil(t, GetDependency("example.com/does-not-exist"))
}
