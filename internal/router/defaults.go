package router

import "github.com/almacen/mayordomo/internal/narrow"

// DefaultRoutes is the seed route table written on first start when no
// routes.json exists. Utterances are Spanish because that is the primary
// user language; the scorers are language-agnostic.
func DefaultRoutes() *RoutesFile {
	return &RoutesFile{
		Version: 1,
		Routes: []RouteDef{
			{
				Name:      narrow.RouteGmail,
				Threshold: 0.25,
				Utterances: []string{
					"enviar correo a ana con asunto reunion",
					"manda un email a pedro",
					"lee mis correos nuevos",
					"muestra la bandeja de entrada",
					"responde al ultimo correo",
				},
			},
			{
				Name:      narrow.RouteGmailRecipients,
				Threshold: 0.25,
				Utterances: []string{
					"guarda el contacto ana con email ana arroba empresa",
					"lista mis destinatarios",
					"borra el contacto pedro",
					"cual es el correo de mama",
				},
			},
			{
				Name:      narrow.RouteWorkspace,
				Threshold: 0.25,
				Utterances: []string{
					"lista los archivos del workspace",
					"crea un archivo notas punto txt",
					"eliminar workspace notas",
					"renombra el archivo informe",
					"muestra el contenido de ideas punto md",
				},
			},
			{
				Name:      narrow.RouteDocument,
				Threshold: 0.25,
				Utterances: []string{
					"resume el documento adjunto",
					"abre el pdf que te mande",
					"extrae el texto del documento",
					"que dice el archivo que guardaste",
				},
			},
			{
				Name:      narrow.RouteSchedule,
				Threshold: 0.25,
				Utterances: []string{
					"recuerdame llamar al medico manana a las nueve",
					"agenda una tarea para el lunes",
					"lista mis tareas pendientes",
					"cancela el recordatorio",
					"programa correo para manana",
				},
			},
			{
				Name:      narrow.RouteMemory,
				Threshold: 0.25,
				Utterances: []string{
					"recuerdas que te dije del proyecto",
					"apunta que el codigo del garaje es nueve dos",
					"que sabes de mi hermana",
					"olvida lo del garaje",
				},
			},
			{
				Name:      narrow.RouteWeb,
				Threshold: 0.25,
				Utterances: []string{
					"busca en internet noticias de hoy",
					"googlea recetas de lentejas",
					"abre esta url",
					"que dice la web sobre el tiempo",
				},
			},
			{
				Name:      narrow.RouteConnector,
				Threshold: 0.3,
				Utterances: []string{
					"lim estado",
					"consulta el conector",
					"lim enciende la luz del salon",
				},
			},
			{
				Name:      narrow.RouteSelfMaintenance,
				Threshold: 0.3,
				Utterances: []string{
					"actualiza el sistema",
					"reinicia el servicio",
					"lista tus habilidades",
					"ejecuta el comando df",
					"como va el disco",
				},
			},
			{
				Name:      narrow.RouteStoicSmalltalk,
				Threshold: 0.2,
				Utterances: []string{
					"hola como estas",
					"buenos dias",
					"dame un consejo estoico",
					"gracias por todo",
					"necesito animo",
				},
			},
		},
	}
}
