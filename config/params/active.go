package params

var nodeConfig = DefaultConfig()

// Crosstown retrieves the active node config.
func Crosstown() *NodeConfig {
	return nodeConfig
}

// OverrideCrosstownConfig replaces the active config. The preferred pattern
// is to call Crosstown(), change the specific parameters, and then call
// OverrideCrosstownConfig(c).
func OverrideCrosstownConfig(c *NodeConfig) {
	nodeConfig = c
}

// SetupTestConfigCleanup preserves the active config around a test.
func SetupTestConfigCleanup(t interface{ Cleanup(func()) }) {
	prev := nodeConfig
	t.Cleanup(func() {
		nodeConfig = prev
	})
}
