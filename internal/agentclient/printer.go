package agentclient

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

// installArgs mirrors the install_printer command args. DriverURI is the
// device URI (e.g. ipp://10.0.0.5/ipp/print), Model the PPD or driver name
// understood by the local print system.
type installArgs struct {
	Name      string `json:"name"`
	DriverURI string `json:"driver_uri"`
	Model     string `json:"model,omitempty"`
	Default   bool   `json:"default,omitempty"`
}

// installPrinter registers a print queue with the local CUPS instance via
// lpadmin.
func (c *Client) installPrinter(ctx context.Context, args json.RawMessage) error {
	var p installArgs
	if err := json.Unmarshal(args, &p); err != nil {
		return fmt.Errorf("parse install_printer args: %w", err)
	}
	if p.Name == "" || p.DriverURI == "" {
		return fmt.Errorf("name and driver_uri are required")
	}

	cmdCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	cmdArgs := []string{"-p", p.Name, "-v", p.DriverURI, "-E"}
	if p.Model != "" {
		cmdArgs = append(cmdArgs, "-m", p.Model)
	}
	if out, err := exec.CommandContext(cmdCtx, "lpadmin", cmdArgs...).CombinedOutput(); err != nil {
		return fmt.Errorf("lpadmin: %w: %s", err, out)
	}

	if p.Default {
		if out, err := exec.CommandContext(cmdCtx, "lpoptions", "-d", p.Name).CombinedOutput(); err != nil {
			return fmt.Errorf("lpoptions: %w: %s", err, out)
		}
	}
	return nil
}
