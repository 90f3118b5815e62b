package security

/*
Файл validator.go - набор чистых проверок исходящих данных инструментированного агента.
Валидаторы никогда не паникуют и не возвращают ошибок: решение, блокировать ли
действие или только пометить его, принимает вызывающий код (hook-клиент).
*/

import (
	"regexp"
	"strings"
)

// Result: вердикт проверки
type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func ok() Result { return Result{Valid: true} }

func reject(reason string) Result { return Result{Valid: false, Reason: reason} }

type rule struct {
	re     *regexp.Regexp
	reason string
}

func rules(pairs ...string) []rule {
	out := make([]rule, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, rule{re: regexp.MustCompile(pairs[i]), reason: pairs[i+1]})
	}
	return out
}

const maxCommandLength = 10000

var commandRules = rules(
	// Разрушительные операции с ФС
	`\brm\s+(-\S+\s+)*\S*\*`, "wildcard delete",
	`\bmkfs(\.\w+)?\b`, "filesystem format",
	`\bdd\s+if=`, "raw disk write",
	`>\s*/dev/(sd|hd|nvme|disk)`, "raw device write",
	`:\(\)\s*\{`, "fork bomb",
	// Повышение привилегий
	`\bsudo\b`, "privilege escalation",
	`\bsu(\s+-|\s+root|\s*$)`, "privilege escalation",
	`\bchmod\s+(-R\s+)?0?777\b`, "world-writable permissions",
	`\bchown\s+(-R\s+)?root\b`, "ownership change to root",
	// Firewall и сервисы
	`\b(iptables|ip6tables|ufw|firewall-cmd|nft)\b`, "firewall manipulation",
	`\bsystemctl\s+(stop|disable|mask|kill)\b`, "service manipulation",
	`\bservice\s+\S+\s+stop\b`, "service manipulation",
	// Убийство процессов
	`\bkill\s+(-\S+\s+)*%?\d+`, "process killing",
	`\b(killall|pkill)\b`, "process killing",
	// Удаление пакетов
	`\b(apt|apt-get|yum|dnf|pacman|zypper)\s+(remove|purge|erase|autoremove)\b`, "package removal",
	`\b(pip3?|npm|gem|brew)\s+uninstall\b`, "package removal",
	// Пайп удаленного контента в shell
	`\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(ba|z|da|k)?sh\b`, "remote content piped to shell",
	// Инъекции
	"`", "command substitution (backticks)",
	`\$\(`, "command substitution",
	`;\s*\S`, "command chaining",
	`(&&|\|\|)\s*(rm|curl|wget|nc|ncat|bash|sh|chmod|chown)\b`, "shell metacharacter chaining",
	`(?i)\b(union\s+select|drop\s+(table|database)|delete\s+from|insert\s+into|truncate\s+table)\b`, "sql injection",
	`(?i)'\s*or\s+'?1'?\s*=\s*'?1`, "sql injection",
	`(?i)<\s*script`, "xss",
	`(?i)javascript:`, "xss",
	`(?i)\bon(error|load)\s*=`, "xss",
)

var pathRules = rules(
	// Traversal: буквальный, URL-кодированный, hex
	`\.\.[/\\]`, "path traversal",
	`(^|[/\\])\.\.$`, "path traversal",
	`(?i)%2e%2e`, "path traversal (url-encoded)",
	`(?i)(%2e\.|\.%2e)`, "path traversal (url-encoded)",
	`(?i)%252e`, "path traversal (double url-encoded)",
	`(?i)\.\.%(2f|5c)`, "path traversal (url-encoded)",
	`(?i)\\x2e\\x2e`, "path traversal (hex-encoded)",
	`(?i)0x2e0x2e`, "path traversal (hex-encoded)",
	// Системные файлы
	`^/etc/(passwd|shadow|gshadow|sudoers|master\.passwd)(/|$)`, "sensitive system file",
	`^/(boot|sys|proc)(/|$)`, "sensitive system tree",
	// SSH ключи (публичные .pub не матчатся: точка не входит в класс)
	`(^|/)\.ssh/id_[A-Za-z0-9_]+$`, "ssh private key",
	`(^|/)id_(rsa|dsa|ecdsa|ed25519)$`, "ssh private key",
	// .env*
	`(^|/)\.env($|\.)`, "environment file",
	// Облачные креды
	`(^|/)\.aws/(credentials|config)$`, "cloud credentials",
	`(^|/)\.config/gcloud/`, "cloud credentials",
	`(^|/)\.azure/`, "cloud credentials",
	`(^|/)\.kube/config$`, "cloud credentials",
	`(^|/)\.docker/config\.json$`, "cloud credentials",
	`(?i)(^|/)(application_default_)?credentials\.json$`, "cloud credentials",
	// Сертификаты и ключи
	`(?i)\.(pem|key|p12|pfx|crt|cer|der|jks|keystore)$`, "certificate or key file",
)

// restrictedTools: идентификаторы инструментов, которым запрещено проходить
var restrictedTools = map[string]struct{}{
	"shell_exec":    {},
	"system_exec":   {},
	"raw_shell":     {},
	"network_raw":   {},
	"raw_socket":    {},
	"raw_sql":       {},
	"sql_exec":      {},
	"admin_panel":   {},
	"admin_console": {},
	"eval":          {},
}

var toolNameRe = regexp.MustCompile(`^[A-Za-z0-9_.:\-]+$`)

// ValidateCommand отклоняет разрушительные и инъекционные shell-команды.
func ValidateCommand(cmd string) Result {
	trimmed := strings.TrimSpace(cmd)
	if trimmed == "" {
		return reject("empty command")
	}
	if len(cmd) > maxCommandLength {
		return reject("command too long")
	}
	if recursiveForceDelete(trimmed) {
		return reject("recursive force delete")
	}
	for _, r := range commandRules {
		if r.re.MatchString(trimmed) {
			return reject(r.reason)
		}
	}
	return ok()
}

// rmFlags - флаги каждого вызова rm до первого операнда
var rmFlags = regexp.MustCompile(`\brm((?:\s+-\S*)+)`)

// recursiveForceDelete: флаги рекурсии и force могут стоять в разных кластерах (rm -r -f)
func recursiveForceDelete(cmd string) bool {
	for _, m := range rmFlags.FindAllStringSubmatch(cmd, -1) {
		recursive, force := false, false
		for _, flag := range strings.Fields(m[1]) {
			switch {
			case flag == "--recursive":
				recursive = true
			case flag == "--force":
				force = true
			case strings.HasPrefix(flag, "--"):
			default:
				recursive = recursive || strings.ContainsAny(flag, "rR")
				force = force || strings.Contains(flag, "f")
			}
		}
		if recursive && force {
			return true
		}
	}
	return false
}

// ValidateFilePath отклоняет traversal и доступ к чувствительным файлам.
func ValidateFilePath(path string) Result {
	if strings.TrimSpace(path) == "" {
		return reject("empty path")
	}
	if strings.ContainsRune(path, 0) {
		return reject("null byte in path")
	}
	for _, r := range pathRules {
		if r.re.MatchString(path) {
			return reject(r.reason)
		}
	}
	return ok()
}

// ValidateTool: всё, что не запрещено явно, разрешено.
// Имена вне допустимого алфавита считаются нераспознанными.
func ValidateTool(name string) Result {
	if name == "" {
		return reject("empty tool name")
	}
	if !toolNameRe.MatchString(name) {
		return reject("unrecognized tool identifier")
	}
	if _, restricted := restrictedTools[strings.ToLower(name)]; restricted {
		return reject("restricted tool: " + name)
	}
	return ok()
}
