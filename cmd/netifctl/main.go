// Command netifctl is the CLI front end over netifd's local RPC surface:
// show, ifup/ifdown, lease install, check resolve/route, and xpath against
// a tag-tree document, modeled on the nanny daemon's own client tool.
//
// Exit codes: 0 success, 1 usage or hard failure, 2 partial failure (some
// of several devices or hosts named on one invocation failed).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/nicksinger/wicked/internal/docxml"
	"github.com/nicksinger/wicked/internal/inventory"
	"github.com/nicksinger/wicked/internal/netifcheck"
)

const exitUsage = 1
const exitPartial = 2

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var socket string
	fs := topLevelFlags(&socket)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "usage: netifctl [-socket path] <command> [args...]")
		return exitUsage
	}

	c := newClient(socket)
	ctx := context.Background()

	switch rest[0] {
	case "show":
		return cmdShow(ctx, c, rest[1:], false)
	case "show-xml":
		return cmdShow(ctx, c, rest[1:], true)
	case "ifup":
		return cmdIfUp(ctx, c, rest[1:])
	case "ifdown":
		return cmdIfDown(ctx, c, rest[1:])
	case "lease":
		return cmdLease(ctx, c, rest[1:])
	case "check":
		return cmdCheck(ctx, c, rest[1:])
	case "xpath":
		return cmdXPath(rest[1:])
	case "prompt":
		return cmdPrompt(ctx, c, rest[1:])
	default:
		fmt.Fprintf(os.Stderr, "netifctl: unknown command %q\n", rest[0])
		return exitUsage
	}
}

func topLevelFlags(socket *string) *flagSetWithSocket {
	return newFlagSetWithSocket(socket)
}

// fetchDevices retrieves the full device list from /manager/objects, the
// only listing endpoint the RPC surface exposes; "show <ifname>" filters
// this same snapshot locally rather than the daemon offering a distinct
// per-device route.
func fetchDevices(ctx context.Context, c *client) ([]inventory.Device, error) {
	resp, err := c.do(ctx, "POST", "/manager/objects", nil)
	if err != nil {
		return nil, err
	}
	var devices []inventory.Device
	if err := decode(resp, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

func cmdShow(ctx context.Context, c *client, args []string, xml bool) int {
	raw := false
	var filter string
	for _, a := range args {
		switch {
		case a == "--raw":
			raw = true
		case strings.HasPrefix(a, "-"):
			fmt.Fprintf(os.Stderr, "netifctl: unknown flag %q\n", a)
			return exitUsage
		case filter == "":
			filter = a
		}
	}

	devices, err := fetchDevices(ctx, c)
	if err != nil {
		fmt.Fprintln(os.Stderr, "netifctl:", err)
		return exitUsage
	}
	if filter != "" {
		devices = filterDevices(devices, filter)
	}

	if xml {
		printDevicesXML(devices, raw)
		return 0
	}
	printDevicesText(devices)
	return 0
}

func filterDevices(devices []inventory.Device, ident string) []inventory.Device {
	var out []inventory.Device
	for _, d := range devices {
		if d.Name == ident || fmt.Sprint(d.Index) == ident {
			out = append(out, d)
		}
	}
	return out
}

func printDevicesText(devices []inventory.Device) {
	for _, d := range devices {
		state := "down"
		if d.AdminUp {
			state = "up"
		}
		fmt.Printf("%-3d %-16s %s carrier=%v\n", d.Index, d.Name, state, d.CarrierUp)
		for _, addr := range d.Addresses {
			fmt.Printf("    addr %s\n", addr.String())
		}
	}
}

// printDevicesXML renders devices as a tag-tree document via
// internal/docxml, the same format every other document the daemon
// produces uses. --raw includes the hardware address and full address
// list; without it only the identity and up/down flags are shown.
func printDevicesXML(devices []inventory.Device, raw bool) {
	root := docxml.NewNode("interfaces")
	for _, d := range devices {
		n := root.AddChild("interface")
		n.SetAttr("index", fmt.Sprint(d.Index))
		n.SetAttr("name", d.Name)
		n.SetAttr("device-up", fmt.Sprint(d.AdminUp))
		n.SetAttr("link-up", fmt.Sprint(d.CarrierUp))
		if raw {
			n.SetAttr("hwaddr", d.HardwareAddr.String())
			for _, addr := range d.Addresses {
				a := n.AddChild("address")
				a.Text = addr.String()
			}
		}
	}
	data, err := docxml.Marshal(root)
	if err != nil {
		fmt.Fprintln(os.Stderr, "netifctl:", err)
		return
	}
	os.Stdout.Write(data)
	fmt.Println()
}

func cmdIfUp(ctx context.Context, c *client, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: netifctl ifup <ifname>...")
		return exitUsage
	}
	return forEachDevice(ctx, args, func(ctx context.Context, ident string) error {
		resp, err := c.do(ctx, "POST", "/devices/"+ident+"/ifup", nil)
		if err != nil {
			return err
		}
		return decode(resp, nil)
	})
}

func cmdIfDown(ctx context.Context, c *client, args []string) int {
	del := false
	var idents []string
	for _, a := range args {
		if a == "--delete" {
			del = true
			continue
		}
		idents = append(idents, a)
	}
	if len(idents) == 0 {
		fmt.Fprintln(os.Stderr, "usage: netifctl ifdown [--delete] <ifname>...")
		return exitUsage
	}

	query := ""
	if del {
		query = "?delete=true"
	}
	return forEachDevice(ctx, idents, func(ctx context.Context, ident string) error {
		resp, err := c.do(ctx, "POST", "/devices/"+ident+"/ifdown"+query, nil)
		if err != nil {
			return err
		}
		return decode(resp, nil)
	})
}

// forEachDevice applies fn to every identifier, printing a per-device
// failure without aborting the remaining ones, and returns the exit code
// implied by how many failed: 0 none, 1 all, 2 some.
func forEachDevice(ctx context.Context, idents []string, fn func(context.Context, string) error) int {
	failures := 0
	for _, ident := range idents {
		if err := fn(ctx, ident); err != nil {
			fmt.Fprintf(os.Stderr, "netifctl: %s: %v\n", ident, err)
			failures++
		}
	}
	switch {
	case failures == 0:
		return 0
	case failures == len(idents):
		return exitUsage
	default:
		return exitPartial
	}
}

func cmdLease(ctx context.Context, c *client, args []string) int {
	if len(args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: netifctl lease add|set|install <ifname> <file>")
		return exitUsage
	}
	action, ident, path := args[0], args[1], args[2]
	switch action {
	case "add", "set", "install":
	default:
		fmt.Fprintf(os.Stderr, "netifctl: unknown lease action %q\n", action)
		return exitUsage
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "netifctl:", err)
		return exitUsage
	}

	return installLease(ctx, c, ident, data)
}

// installLease posts the raw lease document directly (install-lease takes
// the tag-tree bytes as the request body, not a JSON envelope).
func installLease(ctx context.Context, c *client, ident string, data []byte) int {
	resp, err := c.doRaw(ctx, "POST", "/devices/"+ident+"/install-lease", data)
	if err != nil {
		fmt.Fprintln(os.Stderr, "netifctl:", err)
		return exitUsage
	}
	if err := decode(resp, nil); err != nil {
		fmt.Fprintln(os.Stderr, "netifctl:", err)
		return exitUsage
	}
	return 0
}

type checkRequest struct {
	Op      string `json:"op"`
	Host    string `json:"host"`
	Timeout int    `json:"timeout_seconds"`
	Family  string `json:"af"`
}

func cmdCheck(ctx context.Context, c *client, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: netifctl check resolve|route [--timeout N] [--af ipv4|ipv6] [--write-error FILE] host...")
		return exitUsage
	}
	op := args[0]
	if op != "resolve" && op != "route" {
		fmt.Fprintf(os.Stderr, "netifctl: unknown check op %q\n", op)
		return exitUsage
	}

	var timeoutSeconds int
	var af, writeErrorPath string
	var hosts []string
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--timeout":
			i++
			if i >= len(rest) {
				fmt.Fprintln(os.Stderr, "netifctl: --timeout requires a value")
				return exitUsage
			}
			fmt.Sscanf(rest[i], "%d", &timeoutSeconds)
		case "--af":
			i++
			if i >= len(rest) {
				fmt.Fprintln(os.Stderr, "netifctl: --af requires a value")
				return exitUsage
			}
			af = rest[i]
		case "--write-error":
			i++
			if i >= len(rest) {
				fmt.Fprintln(os.Stderr, "netifctl: --write-error requires a value")
				return exitUsage
			}
			writeErrorPath = rest[i]
		default:
			hosts = append(hosts, rest[i])
		}
	}
	if len(hosts) == 0 {
		fmt.Fprintln(os.Stderr, "netifctl: check requires at least one host")
		return exitUsage
	}

	failures := 0
	var lastErr error
	for _, host := range hosts {
		req := checkRequest{Op: op, Host: host, Timeout: timeoutSeconds, Family: af}
		resp, err := c.do(ctx, "POST", "/manager/check", req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "netifctl: %s: %v\n", host, err)
			failures++
			lastErr = err
			continue
		}

		var raw json.RawMessage
		if err := decode(resp, &raw); err != nil {
			fmt.Fprintf(os.Stderr, "netifctl: %s: %v\n", host, err)
			failures++
			lastErr = err
			continue
		}
		printCheckResult(op, raw)
	}

	if writeErrorPath != "" && lastErr != nil {
		writeErrorDocument(writeErrorPath, lastErr)
	}

	switch {
	case failures == 0:
		return 0
	case failures == len(hosts):
		return exitUsage
	default:
		return exitPartial
	}
}

func printCheckResult(op string, raw json.RawMessage) {
	switch op {
	case "resolve":
		var result netifcheck.ResolveResult
		if err := json.Unmarshal(raw, &result); err != nil {
			fmt.Fprintln(os.Stderr, "netifctl:", err)
			return
		}
		fmt.Printf("%s:", result.Host)
		for _, a := range result.Addresses {
			fmt.Printf(" %s", a)
		}
		fmt.Println()
	case "route":
		var result netifcheck.RouteResult
		if err := json.Unmarshal(raw, &result); err != nil {
			fmt.Fprintln(os.Stderr, "netifctl:", err)
			return
		}
		fmt.Printf("%s: via %s src %s\n", result.Destination, result.Interface, result.SourceAddress)
	}
}

// writeErrorDocument writes a tag-tree document naming the error that
// aborted a check, the same format --write-dbus-error historically
// produced: a single <error name="..."> element a calling script can grep.
func writeErrorDocument(path string, err error) {
	root := docxml.NewNode("error")
	root.SetAttr("name", strings.Split(err.Error(), ":")[0])
	root.Text = err.Error()
	data, marshalErr := docxml.Marshal(root)
	if marshalErr != nil {
		fmt.Fprintln(os.Stderr, "netifctl:", marshalErr)
		return
	}
	if writeErr := os.WriteFile(path, data, 0o640); writeErr != nil {
		fmt.Fprintln(os.Stderr, "netifctl:", writeErr)
	}
}

func cmdXPath(args []string) int {
	var filePath, reference string
	var exprs []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--file":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "netifctl: --file requires a value")
				return exitUsage
			}
			filePath = args[i]
		case "--reference":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "netifctl: --reference requires a value")
				return exitUsage
			}
			reference = args[i]
		default:
			exprs = append(exprs, args[i])
		}
	}
	if filePath == "" || len(exprs) == 0 {
		fmt.Fprintln(os.Stderr, "usage: netifctl xpath --file <doc> [--reference expr] path...")
		return exitUsage
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "netifctl:", err)
		return exitUsage
	}
	root, err := docxml.Unmarshal(data)
	if err != nil {
		fmt.Fprintln(os.Stderr, "netifctl:", err)
		return exitUsage
	}
	if reference != "" {
		matches := docxml.Query(root, reference)
		if len(matches) == 0 {
			fmt.Fprintf(os.Stderr, "netifctl: reference %q matched nothing\n", reference)
			return exitUsage
		}
		root = matches[0]
	}

	failures := 0
	for _, expr := range exprs {
		matches := docxml.Query(root, expr)
		if len(matches) == 0 {
			fmt.Printf("%s=\n", expr)
			failures++
			continue
		}
		for _, m := range matches {
			if m.Text != "" {
				fmt.Printf("%s=%s\n", expr, m.Text)
			} else {
				fmt.Printf("%s=%s\n", expr, attrsToString(m))
			}
		}
	}
	if failures == len(exprs) {
		return exitUsage
	}
	if failures > 0 {
		return exitPartial
	}
	return 0
}

func attrsToString(n *docxml.Node) string {
	var parts []string
	for k, v := range n.Attrs {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

type promptAnswerRequest struct {
	Secret string `json:"secret"`
}

func cmdPrompt(ctx context.Context, c *client, args []string) int {
	if len(args) != 3 || args[0] != "answer" {
		fmt.Fprintln(os.Stderr, "usage: netifctl prompt answer <token> <secret>")
		return exitUsage
	}
	token, secret := args[1], args[2]

	resp, err := c.do(ctx, "POST", "/prompts/"+token+"/answer", promptAnswerRequest{Secret: secret})
	if err != nil {
		fmt.Fprintln(os.Stderr, "netifctl:", err)
		return exitUsage
	}
	if err := decode(resp, nil); err != nil {
		fmt.Fprintln(os.Stderr, "netifctl:", err)
		return exitUsage
	}
	return 0
}
