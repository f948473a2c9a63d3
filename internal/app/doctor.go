package app

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9.-]+$`)

const doctorNetworkTimeout = 5 * time.Second

type DoctorCheck struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Reason string `json:"reason,omitempty"`
}

type DoctorReport struct {
	Ready     bool          `json:"ready"`
	Checks    []DoctorCheck `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Doctor checks that the runtime can serve calls: the listen address, the
// store, the signing identity and the reachability of every network.
func (rt *Runtime) Doctor(ctx context.Context) (DoctorReport, error) {
	report := DoctorReport{
		Ready:     true,
		Checks:    make([]DoctorCheck, 0, 4+len(rt.Agents)),
		CheckedAt: time.Now().UTC(),
	}
	appendCheck := func(name string, pass bool, reason string) {
		report.Checks = append(report.Checks, DoctorCheck{Name: name, Pass: pass, Reason: failReason(!pass, reason)})
		if !pass {
			report.Ready = false
		}
	}

	if err := validateListenAddress(rt.Config.RPC.Listen); err != nil {
		appendCheck("rpc_listen_valid", false, err.Error())
	} else {
		appendCheck("rpc_listen_valid", true, "")
	}

	if _, err := rt.Store.List(ctx, "registry"); err != nil {
		appendCheck("storage_readable", false, err.Error())
	} else {
		appendCheck("storage_readable", true, "")
	}

	anonymous := rt.Identity.Current().IsAnonymous()
	appendCheck("identity_can_sign", !anonymous, "running as the anonymous identity")

	for _, name := range sortedNetworks(rt.Config) {
		a, ok := rt.Agents[name]
		if !ok {
			continue
		}
		nctx, cancel := context.WithTimeout(ctx, doctorNetworkTimeout)
		st, err := a.Status(nctx)
		cancel()
		check := "network_reachable:" + name
		switch {
		case err != nil:
			appendCheck(check, false, err.Error())
		case st.ReplicaHealth != "" && st.ReplicaHealth != "healthy":
			appendCheck(check, false, fmt.Sprintf("replica health is %q", st.ReplicaHealth))
		default:
			appendCheck(check, true, "")
		}
	}
	if err := ctx.Err(); err != nil {
		return DoctorReport{}, err
	}
	return report, nil
}

func failReason(failed bool, reason string) string {
	if !failed {
		return ""
	}
	return reason
}

func validateListenAddress(raw string) error {
	addr := strings.TrimSpace(raw)
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("listen address is invalid: %q", raw)
	}
	port, convErr := strconv.Atoi(strings.TrimSpace(p))
	if convErr != nil || port < 0 || port > 65535 {
		return fmt.Errorf("listen address port is invalid: %q", p)
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil {
		return nil
	}
	if !hostnamePattern.MatchString(host) {
		return fmt.Errorf("listen address host is invalid: %q", host)
	}
	return nil
}
