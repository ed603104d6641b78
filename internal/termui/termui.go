// Package termui is the terminal menu loop external collaborator: login,
// visit creation/closing, and cluster status. It contains none of the
// election or mutex logic itself — it only calls coordinator.RunLeaderGatedTxn
// and renders the typed errors that come back.
package termui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"emergency-cluster/internal/auth"
	"emergency-cluster/internal/coordinator"
	"emergency-cluster/internal/election"
	"emergency-cluster/internal/store"
)

// Menu drives the interactive terminal session for one node.
type Menu struct {
	in       *bufio.Scanner
	out      io.Writer
	elect    *election.Machine
	coord    *coordinator.Coordinator
	authn    *auth.Authenticator
	st       store.Store
	selfID   int
	user     *store.User
}

func New(in io.Reader, out io.Writer, elect *election.Machine, coord *coordinator.Coordinator, authn *auth.Authenticator, st store.Store, selfID int) *Menu {
	return &Menu{in: bufio.NewScanner(in), out: out, elect: elect, coord: coord, authn: authn, st: st, selfID: selfID}
}

func (m *Menu) printf(format string, args ...any) { fmt.Fprintf(m.out, format, args...) }

func (m *Menu) readLine(prompt string) string {
	m.printf("%s", prompt)
	if !m.in.Scan() {
		return ""
	}
	return strings.TrimSpace(m.in.Text())
}

// Run blocks, serving the menu loop until the input stream closes.
func (m *Menu) Run(ctx context.Context) {
	if !m.login(ctx) {
		color.Red("login failed, exiting")
		return
	}

	for {
		m.printStatusLine()
		m.printf("\n1) create visit  2) close visit  3) cluster status  4) quit\n")
		switch m.readLine("> ") {
		case "1":
			txnCtx, cancel := withDeadline(ctx, 30*time.Second)
			m.createVisit(txnCtx)
			cancel()
		case "2":
			txnCtx, cancel := withDeadline(ctx, 30*time.Second)
			m.closeVisit(txnCtx)
			cancel()
		case "3":
			m.clusterStatus()
		case "4", "":
			return
		default:
			color.Yellow("unrecognized option")
		}
	}
}

func (m *Menu) login(ctx context.Context) bool {
	for attempts := 0; attempts < 3; attempts++ {
		username := m.readLine("username: ")
		password := m.readLine("password: ")
		u, err := m.authn.Login(ctx, username, password)
		if err != nil {
			color.Red("%v", err)
			continue
		}
		m.user = u
		color.Green("welcome, %s (role: %s)", u.Username, u.Role)
		return true
	}
	return false
}

func (m *Menu) printStatusLine() {
	snap := m.elect.Status()
	if snap.CurrentLeader == m.selfID {
		color.Green("this node (%d) is leader, term %d", m.selfID, snap.Term)
	} else if snap.CurrentLeader != 0 {
		color.Cyan("follower; current leader is node %d", snap.CurrentLeader)
	} else {
		color.Yellow("no leader known yet")
	}
}

func (m *Menu) clusterStatus() {
	snap := m.elect.Status()
	m.printf("state=%s current_leader=%d term=%d election_in_progress=%v\n",
		snap.State, snap.CurrentLeader, snap.Term, snap.ElectionInProgress)
}

// createVisit walks patient lookup/creation, then assigns the first
// available doctor and the first available bed and opens the visit. There
// is no interactive doctor, bed or social-worker choice and no confirmation
// step.
func (m *Menu) createVisit(ctx context.Context) {
	curp := m.readLine("patient CURP (blank if new): ")
	name := m.readLine("patient name: ")
	ageStr := m.readLine("patient age: ")
	age, _ := strconv.Atoi(ageStr)
	sex := m.readLine("patient sex (M/F): ")
	phone := m.readLine("phone: ")
	contact := m.readLine("emergency contact: ")
	symptoms := m.readLine("symptoms: ")

	var chosenDoctorID, chosenBedID int

	result, err := m.coord.RunLeaderGatedTxn(ctx, "visit_created", func(ctx context.Context, tx store.Tx) (any, error) {
		patient, err := tx.FindPatientByCURP(ctx, curp)
		if err != nil {
			return nil, err
		}
		if patient == nil {
			created, err := tx.CreatePatient(ctx, store.Patient{
				Name: name, Age: age, Sex: sex, CURP: curp, Phone: phone, EmergencyContact: contact,
			})
			if err != nil {
				return nil, err
			}
			patient = &created
		}

		doctors, err := tx.AvailableDoctors(ctx)
		if err != nil {
			return nil, err
		}
		if len(doctors) == 0 {
			return nil, fmt.Errorf("no available doctors")
		}
		beds, err := tx.AvailableBeds(ctx)
		if err != nil {
			return nil, err
		}
		if len(beds) == 0 {
			return nil, fmt.Errorf("no available beds")
		}
		chosenDoctorID = doctors[0].ID
		chosenBedID = beds[0].ID

		if err := tx.OccupyDoctor(ctx, chosenDoctorID); err != nil {
			return nil, err
		}
		if err := tx.OccupyBed(ctx, chosenBedID, patient.ID); err != nil {
			return nil, err
		}
		return tx.CreateVisit(ctx, store.NewVisitInput{
			PatientID: patient.ID, DoctorID: chosenDoctorID, BedID: chosenBedID, Symptoms: symptoms,
		})
	})

	if err != nil {
		m.reportCoordinatorError(err)
		return
	}
	visit := result.(store.Visit)
	color.Green("visit %s created for patient %d (doctor %d, bed %d)", visit.Folio, visit.PatientID, visit.DoctorID, visit.BedID)
}

func (m *Menu) closeVisit(ctx context.Context) {
	visitIDStr := m.readLine("visit id: ")
	visitID, err := strconv.Atoi(visitIDStr)
	if err != nil {
		color.Yellow("invalid visit id")
		return
	}
	diagnosis := m.readLine("diagnosis: ")

	result, err := m.coord.RunLeaderGatedTxn(ctx, "visit_closed", func(ctx context.Context, tx store.Tx) (any, error) {
		visit, err := tx.CloseVisit(ctx, visitID, diagnosis)
		if err != nil {
			return nil, err
		}
		if err := tx.ReleaseDoctor(ctx, visit.DoctorID); err != nil {
			return nil, err
		}
		if err := tx.ReleaseBed(ctx, visit.BedID); err != nil {
			return nil, err
		}
		return visit, nil
	})

	if err != nil {
		m.reportCoordinatorError(err)
		return
	}
	visit := result.(store.Visit)
	color.Green("visit %s closed", visit.Folio)
}

func (m *Menu) reportCoordinatorError(err error) {
	ce, ok := coordinator.AsCoordinatorError(err)
	if !ok {
		color.Red("unexpected error: %v", err)
		return
	}
	switch ce.Kind {
	case coordinator.NotLeader:
		if ce.CurrentLeader == 0 {
			color.Yellow("no leader known right now, please retry")
		} else {
			color.Yellow("this node is not leader; current leader is node %d", ce.CurrentLeader)
		}
	case coordinator.MutexTimeout:
		color.Yellow("could not acquire the cluster lock in time, please retry")
	case coordinator.Work:
		color.Red("request rejected: %v", ce.Err)
	case coordinator.StoreCommit:
		color.Red("could not save changes: %v", ce.Err)
	default:
		color.Red("error: %v", ce.Err)
	}
}

// withDeadline is a small helper kept here rather than inlined at each call
// site, matching how often the menu needs a bounded acquire deadline.
func withDeadline(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}
