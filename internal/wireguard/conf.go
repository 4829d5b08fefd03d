package wireguard

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"
)

// Parse and render the interface configuration file.
//
// The file is a header (everything up to the first peer) followed by peer
// blocks. Managed peers are introduced by a "# ironvpn: <tag>" comment on
// the line before [Peer]; untagged peers added by hand are kept verbatim.

const tagPrefix = "# ironvpn:"

var (
	regexpSection = regexp.MustCompile(`^\[([^\]]+)\]$`)
	regexpValue   = regexp.MustCompile(`^([^=]+)=(.+)$`)
)

// Peer is one [Peer] block of the interface file
type Peer struct {
	Tag          string
	PublicKey    string
	PresharedKey string
	AllowedIPs   []string

	// exact source lines of a parsed block, and the blank lines before it
	lines []string
	gap   []string
}

// ConfigFile is a parsed interface configuration
type ConfigFile struct {
	Header string
	Peers  []*Peer

	header  []string
	trailer []string
	parsed  bool
}

// ParseConfig parses interface configuration text. Rendering the result
// without changes reproduces data byte for byte.
func ParseConfig(data []byte) *ConfigFile {
	lines := strings.Split(string(data), "\n")

	var starts []int
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, tagPrefix) && nextIsPeer(lines, i+1) {
			starts = append(starts, i)
			i = nextContent(lines, i+1)
			continue
		}
		if isPeerHeader(line) {
			// comments directly above an untagged peer belong to it
			start := i
			for start > 0 && isComment(lines[start-1]) && (len(starts) == 0 || start-1 > starts[len(starts)-1]) {
				start--
			}
			starts = append(starts, start)
		}
	}

	cf := &ConfigFile{parsed: true}
	headerEnd := len(lines)
	if len(starts) > 0 {
		headerEnd = starts[0]
	}
	end := contentEnd(lines, 0, headerEnd)
	cf.header = lines[:end]
	cf.Header = trimBlock(cf.header)

	for n, start := range starts {
		next := len(lines)
		if n+1 < len(starts) {
			next = starts[n+1]
		}
		blockEnd := contentEnd(lines, start, next)
		p := parsePeer(lines[start:blockEnd])
		p.gap = lines[end:start]
		end = blockEnd
		cf.Peers = append(cf.Peers, p)
	}
	cf.trailer = lines[end:]
	return cf
}

func parsePeer(lines []string) *Peer {
	p := &Peer{lines: lines}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, tagPrefix) && p.Tag == "" {
			p.Tag = strings.TrimSpace(strings.TrimPrefix(line, tagPrefix))
			continue
		}
		if !hasContent(line) {
			continue
		}
		matches := regexpValue.FindStringSubmatch(line)
		if len(matches) != 3 {
			continue
		}
		key := strings.TrimSpace(matches[1])
		value := strings.TrimSpace(matches[2])
		switch key {
		case "PublicKey":
			p.PublicKey = value
		case "PresharedKey":
			p.PresharedKey = value
		case "AllowedIPs":
			for _, ip := range strings.Split(value, ",") {
				if ip = strings.TrimSpace(ip); ip != "" {
					p.AllowedIPs = append(p.AllowedIPs, ip)
				}
			}
		}
	}
	return p
}

// Render produces the file content. Parsed blocks keep their exact text and
// the blank lines above them; a new peer is separated by one blank line.
func (f *ConfigFile) Render() []byte {
	var out []string
	if f.parsed {
		out = append(out, f.header...)
	} else if f.Header != "" {
		out = append(out, strings.Split(f.Header, "\n")...)
	}

	for _, p := range f.Peers {
		if p.lines != nil {
			out = append(out, p.gap...)
			out = append(out, p.lines...)
			continue
		}
		if len(out) > 0 {
			out = append(out, "")
		}
		out = append(out, strings.Split(p.block(), "\n")...)
	}

	if f.parsed {
		out = append(out, f.trailer...)
	} else {
		out = append(out, "")
	}
	return []byte(strings.Join(out, "\n"))
}

// AddPeer appends a peer, rejecting duplicate tags and public keys
func (f *ConfigFile) AddPeer(p *Peer) error {
	for _, existing := range f.Peers {
		if p.Tag != "" && existing.Tag == p.Tag {
			return fmt.Errorf("peer tag %q already present", p.Tag)
		}
		if existing.PublicKey == p.PublicKey {
			return fmt.Errorf("peer public key already present")
		}
	}
	f.Peers = append(f.Peers, p)
	return nil
}

// RemovePeer drops the peer with tag, or with publicKey when tag is empty or
// not found. Reports whether a block was removed.
func (f *ConfigFile) RemovePeer(tag, publicKey string) bool {
	idx := -1
	for i, p := range f.Peers {
		if tag != "" && p.Tag == tag {
			idx = i
			break
		}
	}
	if idx < 0 && publicKey != "" {
		for i, p := range f.Peers {
			if p.PublicKey == publicKey {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return false
	}
	f.Peers = append(f.Peers[:idx], f.Peers[idx+1:]...)
	return true
}

// FindByTag returns the peer with tag, or nil
func (f *ConfigFile) FindByTag(tag string) *Peer {
	for _, p := range f.Peers {
		if p.Tag == tag {
			return p
		}
	}
	return nil
}

// PublicKeys returns the public keys of every peer in file order
func (f *ConfigFile) PublicKeys() []string {
	keys := make([]string, 0, len(f.Peers))
	for _, p := range f.Peers {
		if p.PublicKey != "" {
			keys = append(keys, p.PublicKey)
		}
	}
	return keys
}

// block renders a peer that was not parsed from the file
func (p *Peer) block() string {
	var sb strings.Builder
	if p.Tag != "" {
		fmt.Fprintf(&sb, "%s %s\n", tagPrefix, p.Tag)
	}
	sb.WriteString("[Peer]\n")
	fmt.Fprintf(&sb, "PublicKey = %s\n", p.PublicKey)
	if p.PresharedKey != "" {
		fmt.Fprintf(&sb, "PresharedKey = %s\n", p.PresharedKey)
	}
	fmt.Fprintf(&sb, "AllowedIPs = %s", strings.Join(p.AllowedIPs, ", "))
	return sb.String()
}

// HostPrefix returns address as a single-host prefix (/32 or /128)
func HostPrefix(address string) (string, error) {
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", address, err)
	}
	return netip.PrefixFrom(addr, addr.BitLen()).String(), nil
}

func isPeerHeader(line string) bool {
	matches := regexpSection.FindStringSubmatch(line)
	return len(matches) == 2 && matches[1] == "Peer"
}

func nextContent(lines []string, from int) int {
	for i := from; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) != "" {
			return i
		}
	}
	return len(lines)
}

func nextIsPeer(lines []string, from int) bool {
	i := nextContent(lines, from)
	return i < len(lines) && isPeerHeader(strings.TrimSpace(lines[i]))
}

// contentEnd returns the index after the last non-blank line in
// lines[from:to], or from when there is none
func contentEnd(lines []string, from, to int) int {
	for i := to - 1; i >= from; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return i + 1
		}
	}
	return from
}

// trimBlock joins lines and drops surrounding blank lines
func trimBlock(lines []string) string {
	return strings.Trim(strings.Join(lines, "\n"), "\n \t\r")
}

func isComment(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "#")
}

// Returns true if the config line is non-empty and not a comment
func hasContent(line string) bool {
	return len(line) > 0 && line[0] != '#'
}
