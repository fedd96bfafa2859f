package main

import (
	"os"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/coffeenet/coffeed/internal/account"
)

// Loggers per subsystem, following the same one-var-per-package convention
// lnd's log.go uses for ltndLog/srvrLog/peerLog/hswcLog/rpcsLog. Each is
// backed by the same rotating writer; only the subsystem tag differs.
var (
	backendLog *btclog.Backend

	mainLog = btclog.Disabled
	srvrLog = btclog.Disabled
	mkrLog  = btclog.Disabled
	dspLog  = btclog.Disabled
	ordrLog = btclog.Disabled
	ringLog = btclog.Disabled
	connLog = btclog.Disabled
	actLog  = btclog.Disabled
)

// subsystemLoggers maps each subsystem tag to the package variable that
// should be updated when its level changes, mirroring lnd's
// subsystemLoggers registry used by SetLogLevel/SetLogLevels.
var subsystemLoggers = map[string]*btclog.Logger{
	"MAIN": &mainLog,
	"SRVR": &srvrLog,
	"MAKR": &mkrLog,
	"DISP": &dspLog,
	"ORDR": &ordrLog,
	"RING": &ringLog,
	"CONN": &connLog,
	"ACCT": &actLog,
}

// initLogRotator opens the rotating log file at logFile, keeping at most
// maxRolls old copies, the same way lnd wires github.com/jrick/logrotate
// behind its backendLog.
func initLogRotator(logFile string, maxRolls int) error {
	r, err := rotator.New(logFile, 10*1024, false, maxRolls)
	if err != nil {
		return err
	}
	backendLog = btclog.NewBackend(logWriter{r})
	return nil
}

// logWriter adapts a rotator.Rotator (which only implements io.WriteCloser)
// to io.Writer for btclog.NewBackend.
type logWriter struct {
	r *rotator.Rotator
}

func (w logWriter) Write(p []byte) (int, error) {
	return w.r.Write(p)
}

// initSubsystemLoggers creates one btclog.Logger per subsystem tag at the
// given default level and points each package-level variable at it.
func initSubsystemLoggers(level btclog.Level) {
	if backendLog == nil {
		// No file sink configured (e.g. tests): log to stderr directly
		// without rotation rather than silently discarding everything,
		// matching lnd's fallback when --nologfile-equivalent isn't
		// set.
		backendLog = btclog.NewBackend(os.Stderr)
	}

	for tag, logPtr := range subsystemLoggers {
		l := backendLog.Logger(tag)
		l.SetLevel(level)
		*logPtr = l
	}

	account.UseLogger(actLog)
}

// setSubsystemLevel updates one subsystem's log level at runtime, mirroring
// lnd's SetLogLevel debug knob. This daemon has no RPC surface and nothing
// in it calls this function; config sets one level for every subsystem at
// boot through initSubsystemLoggers.
func setSubsystemLevel(tag string, level btclog.Level) bool {
	logPtr, ok := subsystemLoggers[tag]
	if !ok {
		return false
	}
	(*logPtr).SetLevel(level)
	return true
}
