// Package process supervises the optional radio helper subprocess.
//
// Some Bluetooth stacks only advertise the serial-port profile after a
// helper such as "sdptool add SP" or "bluetoothd --compat" has run. The
// Manager starts the configured helper before the RFCOMM listener binds,
// captures its output line by line, and restarts it with exponential
// backoff when it exits. The whole process group is signalled on Stop.
//
// Example usage:
//
//	mgr := process.NewManager(process.FromHelperConfig(cfg.Radio.Helper))
//	mgr.SetLogger(log)
//	if err := mgr.Start(ctx); err != nil {
//	    return err
//	}
//	defer mgr.Stop()
package process
