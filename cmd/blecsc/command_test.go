package main

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blecsc/internal/radio"
	"github.com/srg/blecsc/internal/radio/radiotest"
	"github.com/srg/blecsc/internal/store"
	"github.com/srg/blecsc/pkg/config"
)

// CommandTestSuite runs the real command tree against a scripted radio and a
// settings file in a temp dir.
type CommandTestSuite struct {
	suite.Suite

	originalFactory func(*config.Config, *logrus.Logger) (radio.Central, error)
	originalNoColor bool

	configPath   string
	settingsPath string
	centralOpts  []radiotest.Option
	centralSetup func(*radiotest.Central)
	central      *radiotest.Central
}

func (s *CommandTestSuite) SetupSuite() {
	s.originalFactory = CentralFactory
	s.originalNoColor = color.NoColor
	color.NoColor = true
}

func (s *CommandTestSuite) TearDownSuite() {
	CentralFactory = s.originalFactory
	color.NoColor = s.originalNoColor
}

func (s *CommandTestSuite) SetupTest() {
	dir := s.T().TempDir()
	s.settingsPath = filepath.Join(dir, "settings.yaml")
	s.configPath = filepath.Join(dir, "config.yaml")
	s.writeConfig("store_path: " + s.settingsPath + "\n")

	s.centralOpts = nil
	s.centralSetup = nil
	s.central = nil
	CentralFactory = func(*config.Config, *logrus.Logger) (radio.Central, error) {
		s.central = radiotest.NewCentral(s.centralOpts...)
		if s.centralSetup != nil {
			s.centralSetup(s.central)
		}
		return s.central, nil
	}

	resetFlags()
}

func (s *CommandTestSuite) writeConfig(content string) {
	s.Require().NoError(os.WriteFile(s.configPath, []byte(content), 0o600))
}

// resetFlags restores flag variables, which cobra keeps between Execute calls.
func resetFlags() {
	scanDuration = 10 * time.Second
	scanFormat = ""
	scanAll = false
	pairTimeout = 30 * time.Second
	monitorDuration = 0
	monitorNoMQTT = false
	_ = rootCmd.PersistentFlags().Set("log-level", "")
	_ = rootCmd.PersistentFlags().Set("backend", "")
}

// execute runs the root command with the suite config and returns combined output.
func (s *CommandTestSuite) execute(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(append([]string{"--config", s.configPath}, args...))
	err := rootCmd.Execute()
	return buf.String(), err
}

func (s *CommandTestSuite) settings() *store.File {
	f, err := store.NewFile(s.settingsPath)
	s.Require().NoError(err, "settings file MUST be readable")
	return f
}
