package machos

import (
	"debug/macho"
	"io"
)

const (
	loadCmdVersionMinMacOSX macho.LoadCmd = 0x24
	loadCmdBuildVersion     macho.LoadCmd = 0x32

	platformMacOS = 1
)

// TargetVersion returns the minimum macOS release the image declares, packed
// two-byte major then one byte each minor and patch, so 10.11.4 is 0x000a0b04.
// Universal files report the first architecture. Images that declare no
// deployment target return 0.
func TargetVersion(r io.ReaderAt) (uint32, error) {
	hdr, _, err := firstImage(r)
	if err != nil {
		return 0, err
	}
	for _, loadCmd := range hdr.Loads {
		raw := loadCmd.Raw()
		if len(raw) < 16 {
			continue
		}
		switch macho.LoadCmd(hdr.ByteOrder.Uint32(raw)) {
		case loadCmdVersionMinMacOSX:
			return hdr.ByteOrder.Uint32(raw[8:]), nil
		case loadCmdBuildVersion:
			if hdr.ByteOrder.Uint32(raw[8:]) == platformMacOS {
				return hdr.ByteOrder.Uint32(raw[12:]), nil
			}
		}
	}
	return 0, nil
}
