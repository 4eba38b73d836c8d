package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"proctord/internal/config"
	"proctord/internal/validate"
)

func cmdRoster(args []string) error {
	fs := flag.NewFlagSet("roster", flag.ExitOnError)
	cfgPath := configFlag(fs)
	fs.Parse(args)

	if fs.NArg() < 1 {
		return errors.New("usage: proctor-relay roster list | add-class <class> | add-student <class> <name> | import <file>")
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	v, err := openRoster(cfg)
	if err != nil {
		return err
	}

	rest := fs.Args()[1:]
	switch fs.Arg(0) {
	case "list":
		printRoster(v)
		return nil
	case "add-class":
		if len(rest) != 1 {
			return errors.New("usage: proctor-relay roster add-class <class>")
		}
		if err := v.AddClass(rest[0]); err != nil {
			return err
		}
		fmt.Printf("Added class %s\n", validate.NormalizeClass(rest[0]))
		return nil
	case "add-student":
		if len(rest) < 2 {
			return errors.New("usage: proctor-relay roster add-student <class> <name>")
		}
		name := strings.Join(rest[1:], " ")
		if err := v.AddStudent(name, rest[0]); err != nil {
			return err
		}
		fmt.Printf("Added %s to %s\n", validate.CleanName(name), validate.NormalizeClass(rest[0]))
		return nil
	case "import":
		if len(rest) != 1 {
			return errors.New("usage: proctor-relay roster import <file>")
		}
		if _, err := os.Stat(rest[0]); err != nil {
			return err
		}
		src, err := validate.Open(rest[0])
		if err != nil {
			return err
		}
		report, err := v.Import(src.Roster())
		for _, w := range report.Warnings {
			fmt.Printf("warning: %s\n", w)
		}
		if err != nil {
			return err
		}
		printRoster(v)
		return nil
	}
	return fmt.Errorf("unknown roster action: %s", fs.Arg(0))
}

func printRoster(v *validate.Validator) {
	stats := v.Stats()
	fmt.Printf("%d classes, %d students\n", stats.TotalClasses, stats.TotalStudents)
	for _, class := range v.Classes() {
		students := v.ClassStudents(class)
		if len(students) == 0 {
			fmt.Printf("  %s (any student)\n", class)
			continue
		}
		fmt.Printf("  %s (%d)\n", class, len(students))
		for _, s := range students {
			fmt.Printf("    %s\n", s)
		}
	}
}
