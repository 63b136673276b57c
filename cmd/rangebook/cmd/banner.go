package cmd

import (
	"fmt"
)

const banner = `
  ____                        _                 _
 |  _ \ __ _ _ __   __ _  ___| |__   ___   ___ | | __
 | |_) / _` + "`" + ` | '_ \ / _` + "`" + ` |/ _ \ '_ \ / _ \ / _ \| |/ /
 |  _ < (_| | | | | (_| |  __/ |_) | (_) | (_) |   <
 |_| \_\__,_|_| |_|\__, |\___|_.__/ \___/ \___/|_|\_\
                   |___/
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Shooting Log Attestation - Version %s\x1b[0m\n\n", Version)
}
