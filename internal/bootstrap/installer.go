package bootstrap

import "strings"

// Installer installs a Java runtime with one package manager
type Installer struct {
	// Manager is the binary probed with `which`
	Manager string
	// Command returns the install command for a runtime version
	Command func(version string) string
}

// DefaultInstallers are tried in order until one is present on the node
var DefaultInstallers = []Installer{
	{
		Manager: "apt-get",
		Command: func(v string) string {
			return "DEBIAN_FRONTEND=noninteractive apt-get update && " +
				"DEBIAN_FRONTEND=noninteractive apt-get install -y openjdk-" + v + "-jre-headless"
		},
	},
	{
		Manager: "dnf",
		Command: func(v string) string { return "dnf install -y java-" + v + "-openjdk-headless" },
	},
	{
		Manager: "yum",
		Command: func(v string) string { return "yum install -y java-" + v + "-openjdk-headless" },
	},
	{
		Manager: "apk",
		Command: func(v string) string { return "apk add --no-cache openjdk" + v + "-jre-headless" },
	},
}

// privileged runs command through sudo unless user is root
func privileged(user, command string) string {
	if user == "" || user == "root" {
		return command
	}
	return "sudo -n sh -c " + shellQuote(command)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
