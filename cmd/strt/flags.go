package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// logLevelFlag adapts logrus.Level to pflag.Value so --log-level can be
// bound directly onto the root command's persistent flag set.
type logLevelFlag struct {
	level logrus.Level
}

var _ pflag.Value = (*logLevelFlag)(nil)

func (f *logLevelFlag) String() string { return f.level.String() }

func (f *logLevelFlag) Set(s string) error {
	lvl, err := logrus.ParseLevel(s)
	if err != nil {
		return fmt.Errorf("log-level: %w", err)
	}
	f.level = lvl
	return nil
}

func (f *logLevelFlag) Type() string { return "level" }
