package room

// Language is a programming language a room can be written in.
type Language string

const (
	LanguagePython Language = "python"
	LanguageCPP    Language = "cpp"
)

// DefaultLanguage is used for rooms that have no stored document.
const DefaultLanguage = LanguagePython

// Supported reports whether code in l can be executed.
func (l Language) Supported() bool {
	switch l {
	case LanguagePython, LanguageCPP:
		return true
	}
	return false
}

// Languages returns every supported language.
func Languages() []Language {
	return []Language{LanguagePython, LanguageCPP}
}
