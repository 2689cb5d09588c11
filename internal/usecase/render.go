package usecase

import (
	"bytes"
	"html/template"

	"github.com/fairyhunter13/xqueue-grader/internal/domain"
	"github.com/fairyhunter13/xqueue-grader/internal/i18n"
)

// The reply message is an HTML fragment styled by the LMS; the class
// names are part of that contract and must not change.
var messageTmpl = template.Must(template.New("message").Parse(`<div class="test">
<header>{{.Header}}</header>
  <section>
    <div class="shortform">
    {{.Status}}
    </div>
    <div class="longform">
{{- if .Errors}}
      <div class="result-errors">
      <ul>
{{- range .Errors}}
        <li><pre>{{.}}</pre></li>
{{- end}}
      </ul>
      </div>
{{- end}}
{{- range .Tests}}
{{- if .Correct}}
      <div class="result-output result-correct">
        <h4>{{.ShortDescription}}</h4>
{{- if .DetailedDescription}}
        <pre>{{.DetailedDescription}}</pre>
{{- end}}
{{- if .ActualOutput}}
        <dl>
        <dt>{{$.OutputLabel}}</dt>
        <dd class="result-actual-output"><pre>{{.ActualOutput}}</pre></dd>
        </dl>
{{- end}}
      </div>
{{- else}}
      <div class="result-output result-incorrect">
        <h4>{{.ShortDescription}}</h4>
{{- if .DetailedDescription}}
        <pre>{{.DetailedDescription}}</pre>
{{- end}}
{{- if or .ActualOutput .ExpectedOutput}}
        <dl>
        <dt>{{$.YourOutputLabel}}</dt>
        <dd class="result-actual-output"><pre>{{.ActualOutput}}</pre></dd>
        <dt>{{$.CorrectOutputLabel}}</dt>
        <dd class="result-expected-output"><pre>{{.ExpectedOutput}}</pre></dd>
        </dl>
{{- end}}
      </div>
{{- end}}
{{- end}}
    </div>
  </section>
</div>`))

type messageData struct {
	Header             string
	Status             string
	Errors             []string
	Tests              []domain.TestResult
	OutputLabel        string
	YourOutputLabel    string
	CorrectOutputLabel string
}

// RenderMessage renders a verdict as the HTML fragment carried in the
// reply's msg field. All verdict text is escaped; errors and outputs may
// contain student-controlled strings.
func RenderMessage(v domain.Verdict, tr i18n.Translator) string {
	status := tr("INCORRECT")
	switch {
	case len(v.Errors) > 0:
		status = tr("ERROR")
	case v.Correct:
		status = tr("CORRECT")
	}
	data := messageData{
		Header:             tr("Test results"),
		Status:             status,
		Errors:             v.Errors,
		Tests:              v.Tests,
		OutputLabel:        tr("Output:"),
		YourOutputLabel:    tr("Your output:"),
		CorrectOutputLabel: tr("Correct output:"),
	}
	var buf bytes.Buffer
	if err := messageTmpl.Execute(&buf, data); err != nil {
		return `<div class="test">` + template.HTMLEscapeString(status) + `</div>`
	}
	return buf.String()
}
