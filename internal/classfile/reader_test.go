package classfile

import (
	"errors"
	"reflect"
	"testing"
)

func sampleClass() *Class {
	return &Class{
		Header: Header{
			Access:     AccPublic | AccSuper,
			Name:       "com.example.Widget",
			Super:      "com.example.Base",
			Interfaces: []string{"java.io.Serializable", "com.example.Shape"},
		},
		Annotations: []Annotation{
			{Type: "com.example.Entity", Values: map[string]string{"name": "widget"}},
			{Type: "com.example.Internal", Invisible: true},
		},
		Fields: []MemberDecl{
			{Member: Member{Access: AccPrivate, Name: "id", Descriptor: "J"},
				Annotations: []Annotation{{Type: "com.example.Id"}}},
			{Member: Member{Access: AccPrivate, Name: "label", Descriptor: "Ljava/lang/String;"}},
		},
		Methods: []MemberDecl{
			{Member: Member{Access: AccPublic, Name: "run", Descriptor: "()V"},
				Annotations: []Annotation{{Type: "com.example.Timed"}}},
		},
	}
}

func TestDecodeRoundTripsStructure(t *testing.T) {
	want := sampleClass()
	got, err := Decode(want.Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.Name != want.Name || got.Super != want.Super {
		t.Errorf("header = %s extends %s", got.Name, got.Super)
	}
	if !reflect.DeepEqual(got.Interfaces, want.Interfaces) {
		t.Errorf("interfaces = %v", got.Interfaces)
	}
	if got.Access != want.Access {
		t.Errorf("access = %#x", got.Access)
	}
	if got.Major != defaultMajor {
		t.Errorf("major = %d", got.Major)
	}

	var classAnnos []string
	for _, a := range got.Annotations {
		classAnnos = append(classAnnos, a.Type)
	}
	if !reflect.DeepEqual(classAnnos, []string{"com.example.Entity", "com.example.Internal"}) {
		t.Errorf("class annotations = %v", classAnnos)
	}
	if !got.Annotations[1].Invisible {
		t.Error("invisible annotation reported as visible")
	}

	if len(got.Fields) != 2 || got.Fields[0].Name != "id" || got.Fields[0].Annotations[0].Type != "com.example.Id" {
		t.Errorf("fields = %+v", got.Fields)
	}
	if len(got.Methods) != 1 || got.Methods[0].Signature() != "run()V" {
		t.Errorf("methods = %+v", got.Methods)
	}
}

type recordingHandler struct {
	NopHandler
	calls  []string
	stopAt string
	skipAt string
}

func (h *recordingHandler) step(call string) Step {
	h.calls = append(h.calls, call)
	switch call {
	case h.stopAt:
		return Stop
	case h.skipAt:
		return SkipMembers
	}
	return Continue
}

func (h *recordingHandler) VisitHeader(hdr Header) Step { return h.step("header") }
func (h *recordingHandler) VisitClassAnnotation(a string, _ bool) Step {
	return h.step("class@" + a)
}
func (h *recordingHandler) VisitField(f Member) Step { return h.step("field:" + f.Name) }
func (h *recordingHandler) VisitFieldAnnotation(f Member, a string, _ bool) Step {
	return h.step("field@" + a)
}
func (h *recordingHandler) VisitMethod(m Member) Step { return h.step("method:" + m.Name) }
func (h *recordingHandler) VisitMethodAnnotation(m Member, a string, _ bool) Step {
	return h.step("method@" + a)
}

func TestParseSteps(t *testing.T) {
	data := sampleClass().Encode()

	tests := []struct {
		name   string
		stopAt string
		skipAt string
		want   []string
	}{
		{
			name: "continue visits everything in order",
			want: []string{
				"header",
				"class@com.example.Entity", "class@com.example.Internal",
				"field:id", "field@com.example.Id", "field:label",
				"method:run", "method@com.example.Timed",
			},
		},
		{
			name:   "stop after header",
			stopAt: "header",
			want:   []string{"header"},
		},
		{
			name:   "skip members from header still delivers class annotations",
			skipAt: "header",
			want:   []string{"header", "class@com.example.Entity", "class@com.example.Internal"},
		},
		{
			name:   "stop at first member",
			stopAt: "field:id",
			want: []string{
				"header",
				"class@com.example.Entity", "class@com.example.Internal",
				"field:id",
			},
		},
		{
			name:   "skip members from a field ends the member walk",
			skipAt: "field@com.example.Id",
			want: []string{
				"header",
				"class@com.example.Entity", "class@com.example.Internal",
				"field:id", "field@com.example.Id",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &recordingHandler{stopAt: tt.stopAt, skipAt: tt.skipAt}
			if err := Parse(data, h); err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if !reflect.DeepEqual(h.calls, tt.want) {
				t.Errorf("calls = %v\nwant    %v", h.calls, tt.want)
			}
		})
	}
}

func TestParseCorruptInput(t *testing.T) {
	valid := sampleClass().Encode()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", []byte{0xCA, 0xFE, 0xBA, 0xBF, 0, 0, 0, 52}},
		{"truncated pool", valid[:12]},
		{"truncated members", valid[:len(valid)-3]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Parse(tt.data, NopHandler{})
			if !errors.Is(err, ErrCorrupt) {
				t.Errorf("expected ErrCorrupt, got %v", err)
			}
		})
	}
}

func TestNestedElementValuesAreSkipped(t *testing.T) {
	// Hand-assemble an annotation carrying an array of nested annotations so
	// the skipper sees '[' and '@' element tags.
	c := &Class{Header: Header{Name: "a.Nested", Super: "java.lang.Object"}}
	data := c.Encode()

	b := newPoolBuilder()
	b.class("a.Nested")
	b.class("java.lang.Object")
	outer := b.utf8("La/Outer;")
	inner := b.utf8("La/Inner;")
	elem := b.utf8("value")
	attrName := b.utf8(attrVisibleAnnotations)

	var attr []byte
	attr = append(attr, 0, 1) // one annotation
	attr = append(attr, byte(outer>>8), byte(outer), 0, 1)
	attr = append(attr, byte(elem>>8), byte(elem), '[', 0, 2)
	for i := 0; i < 2; i++ {
		attr = append(attr, '@', byte(inner>>8), byte(inner), 0, 1)
		attr = append(attr, byte(elem>>8), byte(elem), 'I', 0, 1)
	}

	var out []byte
	out = append(out, data[:8]...)
	pool := new(poolBuilderBuffer)
	pool.write(b)
	out = append(out, pool.bytes...)
	out = append(out, 0, 0x21) // access
	out = append(out, 0, 2, 0, 4, 0, 0, 0, 0, 0, 0)
	out = append(out, 0, 1, byte(attrName>>8), byte(attrName))
	out = append(out, 0, 0, byte(len(attr)>>8), byte(len(attr)))
	out = append(out, attr...)

	got, err := Decode(out)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Annotations) != 1 || got.Annotations[0].Type != "a.Outer" {
		t.Errorf("annotations = %+v", got.Annotations)
	}
}

type poolBuilderBuffer struct{ bytes []byte }

func (p *poolBuilderBuffer) write(b *poolBuilder) {
	p.bytes = append(p.bytes, byte(b.next>>8), byte(b.next))
	p.bytes = append(p.bytes, b.buf.Bytes()...)
}

func TestNameHelpers(t *testing.T) {
	if got := TypeName("Lcom/example/Marker;"); got != "com.example.Marker" {
		t.Errorf("TypeName = %q", got)
	}
	if got := PackageOf("com.example.package-info"); got != "com.example" {
		t.Errorf("PackageOf = %q", got)
	}
	if !IsPackageInfo("com.example.package-info") || IsPackageInfo("com.example.Info") {
		t.Error("IsPackageInfo misclassified")
	}
	name, ok := ResourceClassName("com/example/Outer$Inner.class")
	if !ok || name != "com.example.Outer$Inner" {
		t.Errorf("ResourceClassName = %q, %v", name, ok)
	}
	if _, ok := ResourceClassName("META-INF/MANIFEST.MF"); ok {
		t.Error("non-class resource accepted")
	}
	if got := ResourcePath("com.example.Foo"); got != "com/example/Foo.class" {
		t.Errorf("ResourcePath = %q", got)
	}
}
