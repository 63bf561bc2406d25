package provider

import (
	"bytes"
	"fmt"
	"text/template"
)

// Root logins keep the image's root account and only authorize the key, any other
// user is created with passwordless sudo so privileged bootstrap steps work.
const cloudConfigTemplate = `#cloud-config
hostname: {{.Hostname}}
ssh_pwauth: no
{{- if .Root}}
disable_root: false
ssh_authorized_keys:
  - "{{.PublicKey}}"
{{- else}}
users:
  - name: {{.Username}}
    sudo: ALL=(ALL) NOPASSWD:ALL
    shell: /bin/bash
    ssh_authorized_keys:
      - "{{.PublicKey}}"
{{- end}}
`

var cloudConfig = template.Must(template.New("cloud-config").Parse(cloudConfigTemplate))

type cloudConfigData struct {
	Hostname  string
	Username  string
	PublicKey string
	Root      bool
}

// UserData renders cloud-init user data that authorizes the pool key for the template user
func UserData(spec ServerSpec) (string, error) {
	data := cloudConfigData{
		Hostname:  spec.Name,
		Username:  spec.Username,
		PublicKey: spec.PublicKey,
		Root:      spec.Username == "" || spec.Username == "root",
	}

	var buf bytes.Buffer
	if err := cloudConfig.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute cloud-config template: %w", err)
	}
	return buf.String(), nil
}
