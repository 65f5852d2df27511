package bruteforce

// commonUsernames is the dictionary used by the dictionary-attack
// heuristic: account names that appear in virtually every SSH
// credential-guessing wordlist.
var commonUsernames = map[string]struct{}{
	"root":          {},
	"admin":         {},
	"administrator": {},
	"user":          {},
	"test":          {},
	"guest":         {},
	"oracle":        {},
	"postgres":      {},
	"mysql":         {},
	"ubuntu":        {},
	"centos":        {},
	"debian":        {},
	"fedora":        {},
	"ec2-user":      {},
	"pi":            {},
	"git":           {},
	"ftp":           {},
	"ftpuser":       {},
	"www":           {},
	"www-data":      {},
	"web":           {},
	"webmaster":     {},
	"mail":          {},
	"email":         {},
	"nagios":        {},
	"zabbix":        {},
	"jenkins":       {},
	"deploy":        {},
	"deployer":      {},
	"dev":           {},
	"developer":     {},
	"support":       {},
	"info":          {},
	"backup":        {},
	"tomcat":        {},
	"hadoop":        {},
	"elastic":       {},
	"redis":         {},
	"mongodb":       {},
	"teamspeak":     {},
	"minecraft":     {},
	"steam":         {},
	"vagrant":       {},
	"ansible":       {},
	"operator":      {},
	"manager":       {},
	"service":       {},
	"default":       {},
	"public":        {},
	"demo":          {},
}

// IsCommonUsername reports whether name appears in attack wordlists.
func IsCommonUsername(name string) bool {
	_, ok := commonUsernames[name]
	return ok
}
