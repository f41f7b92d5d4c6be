package scripts

import (
	"fmt"
	"os"
	"path/filepath"
)

// ExampleName is the file written into an empty scripts directory.
const ExampleName = "example_scripts.lua"

const exampleBody = `
function main()
  local list = host.scripts()
  print(string.format(%q, #list))
  for _, s in ipairs(list) do
    print(" - " .. s.title)
  end
  host.notify(%q)
end
`

var exampleText = map[string]struct {
	title, description, count, done string
}{
	LocaleEN: {
		"Example Script",
		"Description: This is an example script that lists the scripts in this folder",
		"Scripts in folder (%d):", "Example finished",
	},
	LocalePT: {
		"Script Exemplo",
		"Descrição: Este é um script exemplo que lista os scripts desta pasta",
		"Scripts na pasta (%d):", "Exemplo concluído",
	},
	LocaleES: {
		"Script Ejemplo",
		"Descripción: Este es un script ejemplo que lista los scripts de esta carpeta",
		"Scripts en la carpeta (%d):", "Ejemplo terminado",
	},
	LocaleFR: {
		"Script d'exemple",
		"Description: Ceci est un script d'exemple qui liste les scripts de ce dossier",
		"Scripts dans le dossier (%d) :", "Exemple terminé",
	},
	LocaleDE: {
		"Beispielskript",
		"Beschreibung: Dies ist ein Beispielskript, das die Skripte in diesem Ordner auflistet",
		"Skripte im Ordner (%d):", "Beispiel beendet",
	},
}

// ExampleScript renders the example script for locale.
func ExampleScript(locale string) string {
	t, ok := exampleText[NormalizeLocale(locale)]
	if !ok {
		t = exampleText[LocaleEN]
	}
	return fmt.Sprintf("--[[\n%s\n%s\n]]\n", t.title, t.description) +
		fmt.Sprintf(exampleBody, t.count, t.done)
}

// writeExample creates the example script in dir unless it already exists.
func writeExample(dir, locale string) (string, error) {
	path := filepath.Join(dir, ExampleName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create example script: %w", err)
	}
	if _, err := f.WriteString(ExampleScript(locale)); err != nil {
		f.Close()
		return "", fmt.Errorf("write example script: %w", err)
	}
	return path, f.Close()
}
