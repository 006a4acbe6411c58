package daemon

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

const plistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{.Label}}</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{.BinaryPath}}</string>
		<string>serve</string>
		<string>--log-file</string>
		<string>{{.LogPath}}/playmidi.json</string>
{{- if .Socket}}
		<string>--socket</string>
		<string>{{.Socket}}</string>
{{- end}}
	</array>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<true/>
	<key>StandardOutPath</key>
	<string>{{.LogPath}}/playmidi.log</string>
	<key>StandardErrorPath</key>
	<string>{{.LogPath}}/playmidi.err</string>
	<key>WorkingDirectory</key>
	<string>{{.WorkingDirectory}}</string>
	<key>EnvironmentVariables</key>
	<dict>
		<key>PATH</key>
		<string>/usr/local/bin:/usr/bin:/bin:/usr/sbin:/sbin</string>
	</dict>
</dict>
</plist>
`

// Label identifies the launchd agent
const Label = "com.playmidi.daemon"

var plist = template.Must(template.New("plist").Parse(plistTemplate))

// PlistConfig describes the agent that runs `playmidi serve`
type PlistConfig struct {
	BinaryPath       string
	LogPath          string
	WorkingDirectory string
	// Socket is passed to serve when set; otherwise the configured socket applies
	Socket string
}

// GeneratePlist renders the agent plist
func GeneratePlist(config PlistConfig) (string, error) {
	var buf bytes.Buffer
	data := struct {
		PlistConfig
		Label string
	}{config, Label}
	if err := plist.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render plist: %w", err)
	}
	return buf.String(), nil
}

// GetPlistPath returns where the agent plist is installed
func GetPlistPath() (string, error) {
	return underHome("Library", "LaunchAgents", Label+".plist")
}

// GetDefaultLogPath returns the directory the agent logs to
func GetDefaultLogPath() (string, error) {
	return underHome(".local", "share", "playmidi", "logs")
}

func underHome(elem ...string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(append([]string{home}, elem...)...), nil
}
