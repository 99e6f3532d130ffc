package cli

// validateFlags centralizes common flag combinations to keep behavior consistent.
func validateFlags(globals *Globals, detachKey, out string) error {
	// quiet + text is confusing; steer to ndjson
	if globals != nil && globals.Format == "text" && globals.Quiet {
		return outputErrorCommon(globals, "INVALID_FLAGS", "--quiet is only supported with ndjson output", "switch to --format ndjson or drop --quiet")
	}
	if detachKey != "" && out != "" {
		return outputErrorCommon(globals, "INVALID_FLAGS", "--out cannot be combined with --detach", "read the session later with 'traced attach KEY --out FILE'")
	}
	if detachKey == "" && out == "" {
		return outputErrorCommon(globals, "INVALID_FLAGS", "--out is required unless the session is detached", "add --out FILE or --detach KEY")
	}
	return nil
}
