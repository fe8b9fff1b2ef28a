package file

import (
	"fmt"
	"os"

	"github.com/alecthomas/kingpin"
	"github.com/google/uuid"
	"github.com/lawrencejones/ttysink/pkg/sinks"

	kitlog "github.com/go-kit/kit/log"
	"github.com/pkg/errors"
)

type Options struct {
	Path   string
	Pretty bool
	Sync   bool
}

func (opt *Options) Bind(cmd *kingpin.CmdClause, prefix string) *Options {
	cmd.Flag(fmt.Sprintf("%spath", prefix), "File path for session packets").Default("/dev/stdout").StringVar(&opt.Path)
	cmd.Flag(fmt.Sprintf("%spretty", prefix), "Pretty-print each packet").Default("false").BoolVar(&opt.Pretty)
	cmd.Flag(fmt.Sprintf("%ssync", prefix), "Sync the file to disk on every cutoff").Default("true").BoolVar(&opt.Sync)

	return opt
}

// New opens the file at the configured path and returns a sink that appends every packet
// to it, tagged with the session ID.
func New(logger kitlog.Logger, session uuid.UUID, opts Options) (sinks.Sink, error) {
	file, err := openFile(opts.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", opts.Path)
	}

	logger.Log("event", "open", "path", opts.Path, "session", session)

	return newSink(file, session, opts), nil
}

func openFile(path string) (*os.File, error) {
	switch path {
	case "/dev/stdout":
		return os.Stdout, nil
	case "/dev/stderr":
		return os.Stderr, nil
	}

	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}

// isStandard is true for files we did not open ourselves, and so must never close
func isStandard(file *os.File) bool {
	return file == os.Stdout || file == os.Stderr
}
