package hash

// IsHash checks that index's directory still satisfies the aliasing
// invariant. Used by the stress harness's -verify flag.
func IsHash(index *HashIndex) (ishash bool, err error) {
	if err := index.GetTable().VerifyIntegrity(); err != nil {
		return false, err
	}
	return true, nil
}
