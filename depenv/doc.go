// Package depenv prepares the gem environment a Ruby invocation runs in.
//
// In isolated mode every invocation gets a throwaway directory holding its
// working directory and GEM_HOME, removed once the invocation finishes. In
// shared mode all invocations use one persistent GEM_HOME; installs into it
// are serialized, both within the process and across processes, and waiting
// for the store ends when the request does.
//
// Usage:
//
//	manager, err := depenv.NewFromConfig(cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	env, release, err := manager.Prepare(ctx, []string{"json:2.7.1"})
//	if err != nil {
//	    return err
//	}
//	defer release()
package depenv
