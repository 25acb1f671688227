package telegram

import "strings"

// EscapeMarkdown 转义 Markdown 格式中的特殊字符，用于插入用户输入的文本
func EscapeMarkdown(input string) string {
	specialChars := []string{"\\", "*", "_", "`", "[", "]"}
	for _, c := range specialChars {
		input = strings.ReplaceAll(input, c, "\\"+c)
	}
	return input
}
