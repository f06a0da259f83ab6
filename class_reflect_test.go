package jsbridge

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST STRUCTS FOR REFLECTION BINDING
// =============================================================================

// Person is a test struct for reflection binding
type Person struct {
	private   string  // Private field - not accessible
	FirstName string  `js:"firstName,omitempty"`
	LastName  string  `js:"lastName"`
	Age       int     `json:"age,omitempty"`
	Salary    float64 `json:",omitempty"` // falls back to the field name
	IsActive  bool    `js:"isActive"`
	Secret    string  `js:"-"`   // Should be ignored
	Secret2   string  `json:"-"` // Should be ignored
}

func (p *Person) GetFullName() string {
	return fmt.Sprintf("%s %s", p.FirstName, p.LastName)
}

func (p *Person) IncrementAge(years int) int {
	p.Age += years
	return p.Age
}

func (p *Person) GetProfile() (string, int, bool) {
	return p.GetFullName(), p.Age, p.IsActive
}

func (p *Person) String() string {
	return "Person(" + p.GetFullName() + ")"
}

// Private method - not accessible through Go reflection
func (p *Person) getSecret() string {
	return p.private
}

// Vehicle tests complex field types and nested structures
type Vehicle struct {
	Brand    string          `js:"brand"`
	Model    string          `json:"model"` // json tag fallback
	Year     int             // no tag - use field name
	Features map[string]bool `js:"features"`
	Colors   []string        `js:"colors"`
	Engine   *EngineSpec     `js:"engine"`
}

type EngineSpec struct {
	Type  string `js:"type"`
	Power int    `js:"power"`
}

func (v *Vehicle) GetDescription() string {
	return fmt.Sprintf("%d %s %s", v.Year, v.Brand, v.Model)
}

// FilteredMethods tests method filtering options
type FilteredMethods struct {
	Data string `js:"data"`
}

func (f *FilteredMethods) GetData() string     { return f.Data }
func (f *FilteredMethods) GetInfo() string     { return "info: " + f.Data }
func (f *FilteredMethods) SetData(data string) { f.Data = data }
func (f *FilteredMethods) ProcessData() string { return "processed: " + f.Data }

// ReflectionTestStruct for field filtering tests
type ReflectionTestStruct struct {
	Field1     string `js:"field1"`
	Field2     string `js:"field2"`
	IgnoredOne string `js:"ignoredOne"`
	IgnoredTwo string `js:"ignoredTwo"`
}

// MethodTestStruct for method argument testing
type MethodTestStruct struct {
	Value int `js:"value"`
}

func (m *MethodTestStruct) NoArgs() string {
	return "no args"
}

func (m *MethodTestStruct) OneArg(arg int) int {
	return arg * 2
}

func (m *MethodTestStruct) MultipleArgs(a int, b string, c bool) string {
	return fmt.Sprintf("%d-%s-%t", a, b, c)
}

func (m *MethodTestStruct) Variadic(sep string, parts ...string) string {
	return strings.Join(parts, sep)
}

func (m *MethodTestStruct) WithContext(ctx *Context, n int) string {
	return fmt.Sprintf("%s:%d", ctx.Tag(), n)
}

func (m *MethodTestStruct) Fails(msg string) (int, error) {
	return 0, errors.New(msg)
}

// VoidStruct for testing void methods
type VoidStruct struct{}

func (v *VoidStruct) VoidMethod() {} // No return values

// ProblematicStruct for testing marshal errors
type ProblematicStruct struct {
	Channel chan int `js:"channel"` // Channel cannot be marshaled
}

func (p *ProblematicStruct) GetChannel() chan int {
	return make(chan int) // Return unsupported type
}

// =============================================================================
// BASIC REFLECTION TESTS
// =============================================================================

func newReflectContext(t *testing.T, items ...interface{}) (*Runtime, *Context) {
	t.Helper()
	rt := NewRuntime()
	ctx, err := rt.NewContext(nil, WithTag("reflect"))
	require.NoError(t, err)
	for _, item := range items {
		d, err := ReflectDescriptor(item)
		require.NoError(t, err)
		require.NoError(t, ctx.Expose(d))
	}
	return rt, ctx
}

func TestReflectionBasicBinding(t *testing.T) {
	rt, ctx := newReflectContext(t, &Person{})
	defer rt.Close()

	result, err := ctx.Evaluate(`
		let person = new Person();
		person.firstName = "John";
		person.lastName = "Doe";
		person.age = 30;
		person.Salary = 50000.5;
		person.isActive = true;

		[
			typeof person,
			person.firstName,
			person.lastName,
			person.age,
			person.Salary,
			person.isActive,
			typeof person.Secret,   // js:"-"
			typeof person.Secret2,  // json:"-"
			typeof person.private,  // unexported field
			typeof person.String,   // special method
		];
	`)
	require.NoError(t, err)

	values, err := result.(*Array).Materialize()
	require.NoError(t, err)
	require.Equal(t, []interface{}{
		"object", "John", "Doe", int64(30), 50000.5, true,
		"undefined", "undefined", "undefined", "undefined",
	}, values)

	// the Go value behind the instance is updated in place
	v, err := ctx.Get("person")
	require.NoError(t, err)
	p, ok := v.(*Person)
	require.True(t, ok)
	require.EqualValues(t, "John", p.FirstName)
	require.EqualValues(t, 30, p.Age)
	require.True(t, p.IsActive)

	// fields and methods live on the prototype by default
	keys, err := ctx.Evaluate(`Object.keys(person).length`)
	require.NoError(t, err)
	require.EqualValues(t, 0, keys)
}

func TestReflectionMethodCalls(t *testing.T) {
	rt, ctx := newReflectContext(t, &Person{})
	defer rt.Close()

	result, err := ctx.Evaluate(`
		let person = new Person();
		person.firstName = "Alice";
		person.lastName = "Johnson";
		person.age = 25;
		person.isActive = true;

		[
			person.GetFullName(),
			person.IncrementAge(5),
			person.age,
			typeof person.getSecret,  // unexported method
			Person.prototype.IncrementAge.length,
		];
	`)
	require.NoError(t, err)

	values, err := result.(*Array).Materialize()
	require.NoError(t, err)
	require.Equal(t, []interface{}{"Alice Johnson", int64(30), int64(30), "undefined", int64(1)}, values)
}

func TestReflectionMultipleReturnValues(t *testing.T) {
	rt, ctx := newReflectContext(t, &Person{})
	defer rt.Close()

	result, err := ctx.Evaluate(`
		let person = new Person("Bob", "Wilson", 35);
		person.isActive = true;
		person.GetProfile(); // Returns array [fullName, age, isActive]
	`)
	require.NoError(t, err)

	values, err := result.(*Array).Materialize()
	require.NoError(t, err)
	require.Equal(t, []interface{}{"Bob Wilson", int64(35), true}, values)
}

// =============================================================================
// CONSTRUCTOR TESTS
// =============================================================================

func TestReflectionConstructorModes(t *testing.T) {
	rt, ctx := newReflectContext(t, &Person{})
	defer rt.Close()

	t.Run("Positional", func(t *testing.T) {
		result, err := ctx.Evaluate(`
			let p1 = new Person("Charlie", "Brown", 40, 1.5, true);
			[p1.firstName, p1.lastName, p1.age, p1.Salary, p1.isActive].join("|");
		`)
		require.NoError(t, err)
		require.EqualValues(t, "Charlie|Brown|40|1.5|true", result)
	})

	t.Run("Named", func(t *testing.T) {
		result, err := ctx.Evaluate(`
			let p2 = new Person({firstName: "Dana", age: 28, Secret: "ignored"});
			[p2.firstName, p2.lastName, p2.age].join("|");
		`)
		require.NoError(t, err)
		require.EqualValues(t, "Dana||28", result)

		v, err := ctx.Get("p2")
		require.NoError(t, err)
		require.Empty(t, v.(*Person).Secret)
	})

	t.Run("Partial", func(t *testing.T) {
		result, err := ctx.Evaluate(`new Person("Only").GetFullName()`)
		require.NoError(t, err)
		require.EqualValues(t, "Only ", result)
	})

	t.Run("WrongType", func(t *testing.T) {
		_, err := ctx.Eval(`new Person("A", "B", "not a number")`)
		require.Error(t, err)
		require.Contains(t, err.Error(), "constructor initialization failed")
	})

	t.Run("CallWithoutNew", func(t *testing.T) {
		_, err := ctx.Eval(`Person("x")`)
		require.Error(t, err)
	})

	t.Run("ConstructAll", func(t *testing.T) {
		d, err := ReflectDescriptor(&Vehicle{}, WithConstructPolicy(ConstructAll))
		require.NoError(t, err)
		require.NoError(t, ctx.Expose(d))

		result, err := ctx.Evaluate(`Vehicle("Volvo", "XC40", 2020).GetDescription()`)
		require.NoError(t, err)
		require.EqualValues(t, "2020 Volvo XC40", result)
	})
}

func TestReflectionWithIgnoredFields(t *testing.T) {
	rt, ctx := newReflectContext(t)
	defer rt.Close()

	d, err := ReflectDescriptor(&ReflectionTestStruct{}, WithIgnoredFields("IgnoredOne", "IgnoredTwo"))
	require.NoError(t, err)
	require.NoError(t, ctx.Expose(d))

	result, err := ctx.Evaluate(`
		let obj = new ReflectionTestStruct("a", "b");
		[obj.field1, obj.field2, typeof obj.ignoredOne, typeof obj.ignoredTwo].join(",");
	`)
	require.NoError(t, err)
	require.EqualValues(t, "a,b,undefined,undefined", result)
}

func TestReflectionWithMethodPrefix(t *testing.T) {
	rt, ctx := newReflectContext(t)
	defer rt.Close()

	d, err := ReflectDescriptor(&FilteredMethods{}, WithMethodPrefix("Get"))
	require.NoError(t, err)
	require.NoError(t, ctx.Expose(d))

	result, err := ctx.Evaluate(`
		let obj = new FilteredMethods("x");
		[typeof obj.GetData, typeof obj.GetInfo, typeof obj.SetData, typeof obj.ProcessData, obj.GetInfo()].join(",");
	`)
	require.NoError(t, err)
	require.EqualValues(t, "function,function,undefined,undefined,info: x", result)
}

func TestReflectionWithIgnoredMethods(t *testing.T) {
	rt, ctx := newReflectContext(t)
	defer rt.Close()

	d, err := ReflectDescriptor(&FilteredMethods{}, WithIgnoredMethods("SetData", "ProcessData"), WithClassName("Filtered"))
	require.NoError(t, err)
	require.EqualValues(t, "Filtered", d.Name())
	require.NoError(t, ctx.Expose(d))

	result, err := ctx.Evaluate(`
		let obj = new Filtered("y");
		[typeof obj.GetData, typeof obj.SetData, typeof obj.ProcessData, typeof FilteredMethods].join(",");
	`)
	require.NoError(t, err)
	require.EqualValues(t, "function,undefined,undefined,undefined", result)
}

func TestReflectionMembersAtInstance(t *testing.T) {
	rt, ctx := newReflectContext(t)
	defer rt.Close()

	d, err := ReflectDescriptor(&MethodTestStruct{}, WithMembersAt(LocationInstance))
	require.NoError(t, err)
	for _, a := range d.Attributes() {
		require.Equal(t, LocationInstance, a.Location)
	}
	require.NoError(t, ctx.Expose(d))

	result, err := ctx.Evaluate(`
		let m = new MethodTestStruct(3);
		[m.hasOwnProperty("value"), m.hasOwnProperty("NoArgs"), m.value].join(",");
	`)
	require.NoError(t, err)
	require.EqualValues(t, "true,true,3", result)
}

func TestReflectionWithBase(t *testing.T) {
	rt, ctx := newReflectContext(t)
	defer rt.Close()

	base, err := ReflectDescriptor(&EngineSpec{})
	require.NoError(t, err)
	derived, err := ReflectDescriptor(&Vehicle{}, WithBase(base))
	require.NoError(t, err)
	require.Same(t, base, derived.Parent())
	require.NoError(t, ctx.Expose(base, derived))

	result, err := ctx.Evaluate(`new Vehicle() instanceof EngineSpec`)
	require.NoError(t, err)
	require.Equal(t, true, result)
}

// =============================================================================
// VALIDATION AND ERROR TESTS
// =============================================================================

func TestReflectionInputValidation(t *testing.T) {
	testCases := []struct {
		name  string
		input interface{}
		msg   string
	}{
		{"Nil", nil, "nil value"},
		{"NotStruct", 42, "struct or pointer to struct"},
		{"PointerToNonStruct", new(string), "struct or pointer to struct"},
		{"Anonymous", struct{ A int }{}, "anonymous type"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReflectDescriptor(tc.input)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.msg)
		})
	}

	t.Run("AnonymousWithName", func(t *testing.T) {
		d, err := ReflectDescriptor(struct{ A int }{}, WithClassName("Anon"))
		require.NoError(t, err)
		require.EqualValues(t, "Anon", d.Name())
	})

	t.Run("ReflectType", func(t *testing.T) {
		d, err := ReflectDescriptor(reflect.TypeOf(Person{}))
		require.NoError(t, err)
		require.Equal(t, reflect.TypeOf(&Person{}), d.Type())
		require.Equal(t, ConstructNew, d.ConstructPolicy())
		require.True(t, d.Exposed())
	})

	t.Run("NotExposed", func(t *testing.T) {
		d, err := ReflectDescriptor(&Person{}, WithExposed(false))
		require.NoError(t, err)
		require.False(t, d.Exposed())
		require.Equal(t, ConstructNone, d.ConstructPolicy())
	})
}

func TestReflectionMethodArgumentErrors(t *testing.T) {
	rt, ctx := newReflectContext(t, &MethodTestStruct{})
	defer rt.Close()

	_, err := ctx.Eval(`var m = new MethodTestStruct()`)
	require.NoError(t, err)

	testCases := []struct {
		code     string
		expected interface{}
	}{
		{`m.NoArgs()`, "no args"},
		{`m.NoArgs(1, 2, 3)`, "no args"},
		{`m.OneArg(21)`, int64(42)},
		{`m.OneArg()`, int64(0)},
		{`m.MultipleArgs(1, "x", true)`, "1-x-true"},
		{`m.Variadic("+", "a", "b", "c")`, "a+b+c"},
		{`m.Variadic("+")`, ""},
		{`m.WithContext(5)`, "reflect:5"},
		{`m.WithContext.length`, int64(1)},
		{`m.Variadic.length`, int64(1)},
	}
	for _, tc := range testCases {
		result, err := ctx.Evaluate(tc.code)
		require.NoError(t, err, tc.code)
		require.Equal(t, tc.expected, result, tc.code)
	}

	_, err = ctx.Eval(`m.OneArg("not a number")`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to convert argument 0")

	_, err = ctx.Eval(`m.MultipleArgs(1, 2, true)`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to convert argument 1")

	result, err := ctx.Evaluate(`try { m.Fails("went wrong") } catch (e) { e.message }`)
	require.NoError(t, err)
	require.EqualValues(t, "went wrong", result)
}

func TestReflectionMarshalErrors(t *testing.T) {
	rt, ctx := newReflectContext(t, &ProblematicStruct{}, &VoidStruct{})
	defer rt.Close()

	_, err := ctx.Eval(`new ProblematicStruct().GetChannel()`)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrScript))

	_, err = ctx.Eval(`new ProblematicStruct().channel`)
	require.Error(t, err)

	result, err := ctx.Evaluate(`new VoidStruct().VoidMethod()`)
	require.NoError(t, err)
	require.Nil(t, result)
}

func TestReflectionComplexTypes(t *testing.T) {
	rt, ctx := newReflectContext(t)
	defer rt.Close()

	vehicle := &Vehicle{
		Brand:    "Tesla",
		Model:    "Model 3",
		Year:     2023,
		Features: map[string]bool{"autopilot": true, "heated": false},
		Colors:   []string{"red", "white"},
		Engine:   &EngineSpec{Type: "electric", Power: 283},
	}
	require.NoError(t, ctx.Set("vehicle", vehicle))

	// unregistered types are reflected on first use and are not constructible
	result, err := ctx.Evaluate(`
		[
			vehicle.GetDescription(),
			vehicle.features.autopilot,
			vehicle.colors.join("/"),
			vehicle.engine.type,
			typeof Vehicle,
		].join(",");
	`)
	require.NoError(t, err)
	require.EqualValues(t, "2023 Tesla Model 3,true,red/white,electric,undefined", result)

	_, err = ctx.Eval(`new vehicle.constructor()`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Illegal constructor")

	// nested host pointers stay live, copied collections do not
	_, err = ctx.Eval(`vehicle.engine.power = 300; vehicle.colors.push("blue"); vehicle.colors = ["black"]`)
	require.NoError(t, err)
	require.EqualValues(t, 300, vehicle.Engine.Power)
	require.Equal(t, []string{"black"}, vehicle.Colors)

	_, err = ctx.Eval(`vehicle.features = {eco: true}`)
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"eco": true}, vehicle.Features)

	same, err := ctx.Evaluate(`vehicle.engine === vehicle.engine`)
	require.NoError(t, err)
	require.Equal(t, true, same)
}

func TestReflectionFieldAccessors(t *testing.T) {
	rt, ctx := newReflectContext(t)
	defer rt.Close()

	getter, setter := ReflectField("Age")
	p := &Person{Age: 10}

	v, err := getter(&PendingCall{Context: ctx, Self: p})
	require.NoError(t, err)
	require.EqualValues(t, 10, v)

	_, err = setter(&PendingCall{Context: ctx, Self: p, Value: 11})
	require.NoError(t, err)
	require.EqualValues(t, 11, p.Age)

	_, err = setter(&PendingCall{Context: ctx, Self: p, Value: "eleven"})
	require.Error(t, err)

	// a struct value is not addressable
	_, err = setter(&PendingCall{Context: ctx, Self: Person{}, Value: 1})
	require.True(t, errors.Is(err, ErrReadOnly))

	_, err = getter(&PendingCall{Context: ctx})
	require.True(t, errors.Is(err, ErrIllegalInvocation))

	missing, _ := ReflectField("Missing")
	_, err = missing(&PendingCall{Context: ctx, Self: p})
	require.Error(t, err)

	method := ReflectMethod("GetFullName")
	name, err := method(&PendingCall{Context: ctx, Self: &Person{FirstName: "A", LastName: "B"}})
	require.NoError(t, err)
	require.EqualValues(t, "A B", name)

	_, err = method(&PendingCall{Context: ctx})
	require.True(t, errors.Is(err, ErrIllegalInvocation))

	_, err = ReflectMethod("Nope")(&PendingCall{Context: ctx, Self: p})
	require.Error(t, err)
}
