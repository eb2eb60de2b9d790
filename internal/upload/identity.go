package upload

import (
	"net"
	"os"
	"os/user"
	"strings"
)

// Identity describes the reporting machine; it is sent with every upload.
type Identity struct {
	ComputerName string
	UserName     string
	MAC          string
}

// DetectIdentity collects hostname, login name and the first hardware
// address of an up, non-loopback interface. Missing values stay empty.
func DetectIdentity() Identity {
	var id Identity
	if h, err := os.Hostname(); err == nil {
		id.ComputerName = h
	}
	if u, err := user.Current(); err == nil {
		id.UserName = u.Username
		// DOMAIN\user on Windows
		if i := strings.LastIndex(id.UserName, `\`); i >= 0 {
			id.UserName = id.UserName[i+1:]
		}
	}
	id.MAC = firstMAC()
	return id
}

func firstMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return strings.ToUpper(iface.HardwareAddr.String())
	}
	return ""
}
